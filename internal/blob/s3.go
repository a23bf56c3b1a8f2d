package blob

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/juju/errors"
)

// S3API is the part of the S3 client the bucket uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Bucket stores objects in an S3 bucket.
type S3Bucket struct {
	client    S3API
	bucket    string
	region    string
	publicURL string
}

// NewS3Bucket loads AWS credentials from the default chain.
func NewS3Bucket(ctx context.Context, bucket, region, publicURL string) (*S3Bucket, error) {
	if bucket == "" {
		return nil, errors.NotValidf("s3 blob storage without a bucket")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Annotate(err, "loading aws config")
	}
	return NewS3BucketWithClient(s3.NewFromConfig(cfg), bucket, cfg.Region, publicURL), nil
}

// NewS3BucketWithClient wraps an existing client.
func NewS3BucketWithClient(client S3API, bucket, region, publicURL string) *S3Bucket {
	return &S3Bucket{client: client, bucket: bucket, region: region, publicURL: publicURL}
}

func (b *S3Bucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	pages := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "listing s3://%s/%s", b.bucket, prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (b *S3Bucket) Read(ctx context.Context, path string) ([]byte, error) {
	key, err := cleanKey(path)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, errors.NotFoundf("blob %s", path)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
			return nil, errors.NotFoundf("blob %s", path)
		}
		return nil, errors.Annotatef(err, "reading s3://%s/%s", b.bucket, key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	return data, errors.Trace(err)
}

func (b *S3Bucket) Upload(ctx context.Context, objects []Object, public bool) error {
	for _, obj := range objects {
		key, err := cleanKey(obj.Path)
		if err != nil {
			return err
		}
		contentType := obj.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(obj.Data)
		}
		in := &s3.PutObjectInput{
			Bucket:      aws.String(b.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(obj.Data),
			ContentType: aws.String(contentType),
		}
		if public {
			in.ACL = types.ObjectCannedACLPublicRead
		}
		if _, err := b.client.PutObject(ctx, in); err != nil {
			return errors.Annotatef(err, "uploading s3://%s/%s", b.bucket, key)
		}
	}
	return nil
}

// PublicURL uses the configured base URL or the bucket's virtual-hosted URL.
func (b *S3Bucket) PublicURL(path string) string {
	if IsURL(path) {
		return path
	}
	key := strings.Trim(path, "/")
	if b.publicURL != "" {
		return joinURL(b.publicURL, key)
	}
	region := b.region
	if region == "" {
		region = "us-east-1"
	}
	return "https://" + b.bucket + ".s3." + region + ".amazonaws.com/" + key
}
