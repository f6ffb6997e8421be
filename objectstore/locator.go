package objectstore

import "github.com/aws/aws-sdk-go-v2/service/s3/types"

// Src identifies a download source.
type Src struct {
	Bucket    string
	ObjectKey string
}

// Dest identifies an upload destination.
type Dest struct {
	Bucket       string
	ObjectKey    string
	StorageClass types.StorageClass
}
