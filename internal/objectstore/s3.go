package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client the backend uses.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Backend lists with ListObjectsV2 continuation tokens and streams
// object bodies.
type S3Backend struct {
	client   S3API
	pageSize int32
}

func NewS3Backend(client S3API, pageSize int32) *S3Backend {
	return &S3Backend{client: client, pageSize: pageSize}
}

func (b *S3Backend) ListPage(ctx context.Context, bucket, prefix string, token *string) (*Page, error) {
	in := &s3.ListObjectsV2Input{
		Bucket:            aws.String(bucket),
		Prefix:            aws.String(prefix),
		ContinuationToken: token,
	}
	if b.pageSize > 0 {
		in.MaxKeys = aws.Int32(b.pageSize)
	}

	out, err := b.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("s3 list objects: %w", err)
	}

	page := &Page{Objects: make([]ObjectSummary, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		page.Objects = append(page.Objects, ObjectSummary{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	if aws.ToBool(out.IsTruncated) && out.NextContinuationToken != nil {
		page.HasMore = true
		page.NextToken = *out.NextContinuationToken
	}
	return page, nil
}

func (b *S3Backend) Get(ctx context.Context, bucket, key string) (*Payload, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	return &Payload{Stream: out.Body, SizeHint: aws.ToInt64(out.ContentLength)}, nil
}
