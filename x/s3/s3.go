// Package s3 archives exported events as gzipped JSON-lines objects in an S3
// (or S3-compatible) bucket, batched through the batching exporter.
package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/segmentio/ksuid"

	"github.com/depotsync/depotsync"
	batch "github.com/depotsync/depotsync/x/batcher"
)

type Option func(*Archive)

func WithBucketName(bucketName string) Option {
	return func(s *Archive) {
		s.bucketName = bucketName
	}
}

func WithPathPrefix(pathPrefix string) Option {
	return func(s *Archive) {
		s.pathPrefix = pathPrefix
	}
}

func WithBucketRegion(bucketRegion string) Option {
	return func(s *Archive) {
		s.bucketRegion = bucketRegion
	}
}

func WithCustomEndpoint(customEndpoint string) Option {
	return func(s *Archive) {
		s.customEndpoint = customEndpoint
	}
}

func WithAccessKeyID(accessKeyID string) Option {
	return func(s *Archive) {
		s.accessKeyID = accessKeyID
	}
}

func WithSecretAccessKey(secretAccessKey string) Option {
	return func(s *Archive) {
		s.secretAccessKey = secretAccessKey
	}
}

func WithBatchSize(batchSize int) Option {
	return func(s *Archive) {
		s.batchSize = batchSize
	}
}

type Archive struct {
	batcher *batch.Exporter[depotsync.Event]

	bucketName   string
	bucketRegion string
	pathPrefix   string

	customEndpoint  string
	accessKeyID     string
	secretAccessKey string

	batchSize int
}

func New(opts ...Option) *Archive {
	ret := &Archive{}
	for _, o := range opts {
		o(ret)
	}
	if ret.batchSize == 0 {
		ret.batchSize = 100
	}
	ret.batcher = batch.NewExporter[depotsync.Event](ret,
		batch.FlushLength(ret.batchSize),
		batch.FlushFrequency(5*time.Second),
	)
	return ret
}

func (s *Archive) Run(ctx context.Context) error {
	if s.bucketName == "" {
		return errors.New("missing bucket name")
	}

	return s.batcher.Run(ctx)
}

func (s *Archive) Export(ctx context.Context, events []depotsync.Event) error {
	return s.batcher.Export(ctx, events)
}

// Flush uploads one batch of events as a single gzipped JSONL object.
func (s *Archive) Flush(ctx context.Context, events []depotsync.Event) error {
	// Endpoint, credentials and region all need to be passed through exactly
	// as configured or some S3-compatible services, like R2, won't work.
	var config = &aws.Config{}
	if s.customEndpoint != "" {
		config.Endpoint = aws.String(s.customEndpoint)
	}
	if s.accessKeyID != "" && s.secretAccessKey != "" {
		config.Credentials = credentials.NewStaticCredentials(s.accessKeyID, s.secretAccessKey, "")
	}
	if s.bucketRegion != "" {
		config.Region = aws.String(s.bucketRegion)
	}
	sess, err := session.NewSession(config)
	if err != nil {
		return err
	}
	uploader := s3manager.NewUploader(sess)

	var buf bytes.Buffer
	gzipBuffer := gzip.NewWriter(&buf)
	for i := range events {
		line, err := json.Marshal(&events[i])
		if err != nil {
			return err
		}
		if _, err := gzipBuffer.Write(line); err != nil {
			return err
		}
		if _, err := gzipBuffer.Write([]byte("\n")); err != nil {
			return err
		}
	}
	if err := gzipBuffer.Close(); err != nil {
		return err
	}
	key := fmt.Sprintf("%s/%s/%s_%d.gz",
		s.pathPrefix,
		time.Now().UTC().Format("2006/01/02/15"),
		ksuid.New().String(),
		time.Now().Unix(),
	)

	uploadInput := &s3manager.UploadInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	}

	_, err = uploader.UploadWithContext(ctx, uploadInput)
	return err
}
