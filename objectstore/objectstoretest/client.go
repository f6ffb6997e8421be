// Package objectstoretest provides an in-memory objectstore.Client for
// tests: a bucket/key map with ETag bookkeeping plus restore-state
// simulation, so the cold download state machine can be exercised
// without a real Glacier-class object.
package objectstoretest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
)

type object struct {
	body    []byte
	etag    string
	tagging string

	// restore state, nil until RestoreObject has been called once
	restoreOngoing    *bool
	restoreExpired    bool
	headsUntilRestore int // AdvanceRestore calls before ongoing flips to false
}

// Client is an in-memory objectstore.Client.
type Client struct {
	mu      sync.Mutex
	objects map[string]*object

	// The ErrSequence maps hold, per "bucket/key", errors that the
	// next matching calls return in order instead of the normal
	// response, so tests can drive retryable-then-success sequences.
	GetErrSequence  map[string][]error
	HeadErrSequence map[string][]error
	PutErrSequence  map[string][]error

	calls map[string]int
}

// New creates an empty mock client.
func New() *Client {
	return &Client{
		objects:         make(map[string]*object),
		GetErrSequence:  make(map[string][]error),
		HeadErrSequence: make(map[string][]error),
		PutErrSequence:  make(map[string][]error),
		calls:           make(map[string]int),
	}
}

func key(bucket, objectKey string) string {
	return bucket + "/" + objectKey
}

// PutTestObject seeds an object directly, bypassing PutObject.
func (c *Client) PutTestObject(bucket, objectKey string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key(bucket, objectKey)] = &object{
		body: body,
		etag: fmt.Sprintf("%x", len(body)),
	}
}

// SeedCold marks an object as requiring restore: after RestoreObject,
// HeadObject reports ongoing-request="true" until AdvanceRestore has
// been called headsBeforeComplete times, then reports complete.
func (c *Client) SeedCold(bucket, objectKey string, body []byte, headsBeforeComplete int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key(bucket, objectKey)] = &object{
		body:              body,
		etag:              fmt.Sprintf("%x", len(body)),
		headsUntilRestore: headsBeforeComplete,
	}
}

func (c *Client) nextErr(seq map[string][]error, k string) error {
	errs := seq[k]
	if len(errs) == 0 {
		return nil
	}
	seq[k] = errs[1:]
	return errs[0]
}

func (c *Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(aws.ToString(params.Bucket), aws.ToString(params.Key))
	if err := c.nextErr(c.GetErrSequence, k); err != nil {
		return nil, err
	}
	obj, ok := c.objects[k]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key: " + k)}
	}
	if obj.restoreExpired {
		return nil, &types.InvalidObjectState{Message: aws.String("object restore has expired")}
	}
	length := int64(len(obj.body))
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.body)),
		ContentLength: &length,
		ETag:          aws.String(obj.etag),
	}, nil
}

func (c *Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	c.mu.Lock()
	k := key(aws.ToString(params.Bucket), aws.ToString(params.Key))
	if err := c.nextErr(c.PutErrSequence, k); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	etag := fmt.Sprintf("%x", len(data))
	c.objects[k] = &object{body: data, etag: etag, tagging: aws.ToString(params.Tagging)}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

// Tagging returns the tagging string recorded by the last PutObject
// for the given key, or "" if the object doesn't exist.
func (c *Client) Tagging(bucket, objectKey string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[key(bucket, objectKey)]
	if !ok {
		return ""
	}
	return obj.tagging
}

func (c *Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(aws.ToString(params.Bucket), aws.ToString(params.Key))
	if err := c.nextErr(c.HeadErrSequence, k); err != nil {
		return nil, err
	}
	obj, ok := c.objects[k]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key: " + k)}
	}
	length := int64(len(obj.body))
	out := &s3.HeadObjectOutput{ContentLength: &length, ETag: aws.String(obj.etag)}
	if obj.restoreOngoing != nil {
		if *obj.restoreOngoing {
			out.Restore = aws.String(`ongoing-request="true"`)
		} else {
			out.Restore = aws.String(`ongoing-request="false", expiry-date="Fri, 01 Jan 2100 00:00:00 GMT"`)
		}
	}
	return out, nil
}

func (c *Client) RestoreObject(ctx context.Context, params *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(aws.ToString(params.Bucket), aws.ToString(params.Key))
	obj, ok := c.objects[k]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key: " + k)}
	}
	if obj.restoreOngoing != nil {
		return nil, &smithy.GenericAPIError{Code: "RestoreAlreadyInProgress", Message: "restore already in progress"}
	}
	ongoing := obj.headsUntilRestore > 0
	obj.restoreOngoing = &ongoing
	return &s3.RestoreObjectOutput{}, nil
}

// AdvanceRestore is called by tests between HEAD polls to simulate the
// restore completing after headsUntilRestore checks.
func (c *Client) AdvanceRestore(bucket, objectKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[key(bucket, objectKey)]
	if !ok || obj.restoreOngoing == nil {
		return
	}
	if obj.headsUntilRestore > 0 {
		obj.headsUntilRestore--
	}
	done := obj.headsUntilRestore <= 0
	obj.restoreOngoing = &[]bool{!done}[0]
}

// ExpireRestore marks a RestoreComplete object as expired, so the next
// GetObject returns InvalidObjectState and HEAD reports nothing
// (x-amz-restore absent) until RestoreObject is called again.
func (c *Client) ExpireRestore(bucket, objectKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[key(bucket, objectKey)]
	if !ok {
		return
	}
	obj.restoreExpired = true
	obj.restoreOngoing = nil
}

var _ interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	RestoreObject(ctx context.Context, params *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error)
} = (*Client)(nil)
