// Package config holds the configuration for one upload invocation of
// cmd/s3xfer: a flat struct populated from flag.FlagSet, validated
// once before any transfer starts.
package config

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds the CLI-facing parameters for one transfer.
type Config struct {
	SrcPath         string        // local file path to upload
	Bucket          string        // destination bucket
	ObjectKey       string        // destination object key
	StorageClass    string        // S3 storage class name, e.g. "GLACIER"
	RetryInterval   time.Duration // fixed retry-driver sleep interval
	AmountLimitFile string        // ledger path; empty means unlimited
	AmountLimit     uint64        // monthly byte budget, bytes
	Description     string        // operator label for ledger queue entries
	Chunked         bool          // drive the chunked upload path instead of a single PUT
	MaxChunkSize    uint64        // chunk window size in bytes, chunked mode only
	ProgressFile    string        // where to persist resumable progress

	// Internal fields
	resolvedStorageClass types.StorageClass
}

// ResolvedStorageClass returns the parsed S3 storage class, valid
// only after Validate succeeds.
func (c *Config) ResolvedStorageClass() types.StorageClass {
	return c.resolvedStorageClass
}

// Validate checks every field required to start a transfer and
// resolves ResolvedStorageClass from its string form.
func (c *Config) Validate() error {
	if c.SrcPath == "" {
		return fmt.Errorf("source path is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.ObjectKey == "" {
		return fmt.Errorf("object key is required")
	}

	if c.StorageClass == "" {
		return fmt.Errorf("storage class is required")
	}
	sc := types.StorageClass(c.StorageClass)
	if _, ok := validStorageClasses[sc]; !ok {
		return fmt.Errorf("unknown storage class: %s", c.StorageClass)
	}
	c.resolvedStorageClass = sc

	if c.RetryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive")
	}

	if c.AmountLimitFile != "" && c.AmountLimit == 0 {
		return fmt.Errorf("amount limit must be positive when a ledger file is set")
	}

	if c.Chunked && c.MaxChunkSize == 0 {
		return fmt.Errorf("max chunk size must be positive in chunked mode")
	}

	if c.Chunked && c.ProgressFile == "" {
		return fmt.Errorf("progress file path is required in chunked mode")
	}

	return nil
}

// validStorageClasses enumerates the accepted storage class values.
// The restore path is only meaningful for the archive classes;
// STANDARD/STANDARD_IA/etc. are accepted for the warm-only path.
var validStorageClasses = map[types.StorageClass]struct{}{
	types.StorageClassStandard:           {},
	types.StorageClassStandardIa:         {},
	types.StorageClassOnezoneIa:          {},
	types.StorageClassIntelligentTiering: {},
	types.StorageClassGlacier:            {},
	types.StorageClassGlacierIr:          {},
	types.StorageClassDeepArchive:        {},
	types.StorageClassReducedRedundancy:  {},
}
