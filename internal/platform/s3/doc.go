// Package s3 provides a client for S3-compatible object storage.
//
// The operator uses it to purge the artifacts a CustomApp owns once the app
// is deleted. Any S3-compatible endpoint works, including Hetzner Object
// Storage and MinIO.
package s3
