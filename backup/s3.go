package backup

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/cockroachdb/errors"
)

// S3Sink writes backup blocks to an S3-compatible object store.
type S3Sink struct {
	client s3iface.S3API
	bucket string
}

// NewS3Sink builds a sink against the configured endpoint. A custom
// endpoint with path-style addressing covers non-AWS S3 implementations.
func NewS3Sink(bucket, region, endpoint string) (*S3Sink, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &S3Sink{client: s3.New(sess), bucket: bucket}, nil
}

// NewS3SinkWithClient builds a sink around an injected client.
func NewS3SinkWithClient(client s3iface.S3API, bucket string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket}
}

var _ Sink = (*S3Sink)(nil)

func (s *S3Sink) Put(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err == nil {
		return nil
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return errors.WithStack(&StatusError{Status: reqErr.StatusCode()})
	}
	return errors.Wrap(ErrConnectionFailed, err.Error())
}
