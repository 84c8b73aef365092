package s3

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/imamik/customapp-operator/internal/util/retry"
)

// maxDeleteBatch is the most keys a single DeleteObjects call accepts.
const maxDeleteBatch = 1000

// Client wraps the S3 client.
type Client struct {
	s3     *s3.Client
	region string
}

// NewClient creates a new S3 client for the given endpoint. An empty
// endpoint uses the SDK's default AWS endpoint resolution.
func NewClient(endpoint, region, accessKey, secretKey string, pathStyle bool) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	})

	return &Client{s3: client, region: region}, nil
}

// BucketExists checks if a bucket exists and is accessible.
func (c *Client) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, classify(fmt.Errorf("failed to check bucket %s: %w", bucketName, err), err)
	}
	return true, nil
}

// DeletePrefix deletes every object in bucket whose key starts with prefix
// and returns how many were removed. A missing bucket counts as already
// purged. Credential and permission failures are terminal; retrying them
// cannot succeed.
func (c *Client) DeletePrefix(ctx context.Context, bucketName, prefix string) (int, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucketName),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	deleted := 0
	paginator := s3.NewListObjectsV2Paginator(c.s3, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if isNotFoundError(err) {
				return deleted, nil
			}
			return deleted, classify(fmt.Errorf("failed to list objects in bucket %s: %w", bucketName, err), err)
		}

		var batch []types.ObjectIdentifier
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			batch = append(batch, types.ObjectIdentifier{Key: obj.Key})
			if len(batch) == maxDeleteBatch {
				n, err := c.deleteBatch(ctx, bucketName, batch)
				deleted += n
				if err != nil {
					return deleted, err
				}
				batch = batch[:0]
			}
		}
		if len(batch) > 0 {
			n, err := c.deleteBatch(ctx, bucketName, batch)
			deleted += n
			if err != nil {
				return deleted, err
			}
		}
	}
	return deleted, nil
}

func (c *Client) deleteBatch(ctx context.Context, bucketName string, batch []types.ObjectIdentifier) (int, error) {
	out, err := c.s3.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucketName),
		Delete: &types.Delete{
			Objects: batch,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		if isNotFoundError(err) {
			return 0, nil
		}
		return 0, classify(fmt.Errorf("failed to delete objects from bucket %s: %w", bucketName, err), err)
	}
	if len(out.Errors) == 0 {
		return len(batch), nil
	}

	// Quiet mode only reports the keys that failed.
	first := out.Errors[0]
	err = fmt.Errorf("failed to delete %d of %d objects from bucket %s: %s: %s",
		len(out.Errors), len(batch), bucketName, aws.ToString(first.Key), aws.ToString(first.Message))
	if isAccessCode(aws.ToString(first.Code)) {
		err = retry.Terminal(err)
	}
	return len(batch) - len(out.Errors), err
}

// classify marks wrapped as terminal when cause is an access failure.
func classify(wrapped, cause error) error {
	if isAccessError(cause) {
		return retry.Terminal(wrapped)
	}
	return wrapped
}

// isNotFoundError checks if the error is a not found error.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	// Check for typed S3 errors first
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}

	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	// Fall back to API error code checking for S3-compatible services
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchBucket" || code == "404"
	}

	return false
}

// isAccessError reports whether err means the credentials cannot perform
// the request.
func isAccessError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return isAccessCode(apiErr.ErrorCode())
	}
	return false
}

func isAccessCode(code string) bool {
	switch code {
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "403":
		return true
	}
	return false
}
