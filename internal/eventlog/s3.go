package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"workqueue/internal/domain"
)

// ObjectPutter is the subset of the S3 API the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink archives each event as one object, grouped by partition. Keys are
// derived from the event so a redelivery overwrites the same object.
type S3Sink struct {
	Client ObjectPutter
	Bucket string
	Prefix string
}

type S3Options struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

// NewS3Client builds a client from the default AWS credential chain.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if opts.Region != "" {
		cfg.Region = opts.Region
	} else if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	if opts.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(cfg, s3Opts...), nil
}

func (s *S3Sink) Name() string { return "s3:" + s.Bucket }

func (s *S3Sink) Key(evt domain.Event) string {
	return path.Join(s.Prefix, fmt.Sprintf("partition=%02d", evt.Partition), fmt.Sprintf("%020d-%s.json", evt.Sequence, evt.EventID))
}

func (s *S3Sink) Publish(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(s.Key(evt)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"event-type":   string(evt.Type),
			"work-item-id": evt.WorkItemID,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", s.Key(evt), err)
	}
	return nil
}
