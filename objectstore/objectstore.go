// Package objectstore provides the narrow S3 client interface the
// rest of this module needs (Get/Put/Head/Restore), an AWS SDK
// adapter that satisfies it, and the error-kind helpers the retry
// classifier and the download state machine depend on.
package objectstore

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Client is the set of object-store operations this module consumes.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	RestoreObject(ctx context.Context, params *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error)
}

// ClientImpl adapts an *s3.Client to Client, so callers can mock
// Client without depending on the concrete SDK type.
type ClientImpl struct {
	client *s3.Client
}

// NewClient wraps an AWS SDK S3 client.
func NewClient(client *s3.Client) *ClientImpl {
	return &ClientImpl{client: client}
}

func (c *ClientImpl) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return c.client.GetObject(ctx, params, optFns...)
}

func (c *ClientImpl) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return c.client.PutObject(ctx, params, optFns...)
}

func (c *ClientImpl) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return c.client.HeadObject(ctx, params, optFns...)
}

func (c *ClientImpl) RestoreObject(ctx context.Context, params *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error) {
	return c.client.RestoreObject(ctx, params, optFns...)
}

var _ Client = (*ClientImpl)(nil)
var _ Client = (*s3.Client)(nil)

// IsNotFound reports whether err indicates the object doesn't exist.
func IsNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// IsRestoreAlreadyInProgress reports whether err is the restore
// service error the cold download path treats as successful re-entry
// rather than failure.
func IsRestoreAlreadyInProgress(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "RestoreAlreadyInProgress"
}

// IsInvalidObjectState reports whether err is the GET service error
// returned when a restored copy has expired between the HEAD check and
// the GET.
func IsInvalidObjectState(err error) bool {
	var invalidState *types.InvalidObjectState
	return errors.As(err, &invalidState)
}
