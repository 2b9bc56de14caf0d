package main

import (
	"log/slog"
	"os"

	"github.com/runreveal/lib/loader"

	"github.com/depotsync/depotsync"
	"github.com/depotsync/depotsync/x/journal"
	"github.com/depotsync/depotsync/x/multi"
	s3depot "github.com/depotsync/depotsync/x/s3"
)

func init() {
	loader.Register("journal", func() loader.Builder[depotsync.Exporter] {
		return &JournalConfig{}
	})
	loader.Register("s3", func() loader.Builder[depotsync.Exporter] {
		return &S3Config{}
	})
	loader.Register("multi", func() loader.Builder[depotsync.Exporter] {
		return &MultiConfig{}
	})
}

type JournalConfig struct {
	// Path of the output file; empty or "-" writes to stdout.
	Path string `json:"path"`
}

func (c *JournalConfig) Configure() (depotsync.Exporter, error) {
	slog.Info("configuring journal")
	if c.Path == "" || c.Path == "-" {
		return journal.New(os.Stdout), nil
	}
	f, err := os.OpenFile(c.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return journal.New(f), nil
}

type S3Config struct {
	BucketName   string `json:"bucketName"`
	PathPrefix   string `json:"pathPrefix"`
	BucketRegion string `json:"bucketRegion"`

	CustomEndpoint  string `json:"customEndpoint"`
	AccessKeyID     string `json:"accessKeyID"`
	AccessSecretKey string `json:"accessSecretKey"`

	BatchSize int `json:"batchSize"`
}

func (c *S3Config) Configure() (depotsync.Exporter, error) {
	slog.Info("configuring s3")
	return s3depot.New(
		s3depot.WithBucketName(c.BucketName),
		s3depot.WithBucketRegion(c.BucketRegion),
		s3depot.WithPathPrefix(c.PathPrefix),
		s3depot.WithCustomEndpoint(c.CustomEndpoint),
		s3depot.WithAccessKeyID(c.AccessKeyID),
		s3depot.WithSecretAccessKey(c.AccessSecretKey),
		s3depot.WithBatchSize(c.BatchSize),
	), nil
}

type MultiConfig struct {
	Exporters []loader.Loader[depotsync.Exporter] `json:"exporters"`
}

func (c *MultiConfig) Configure() (depotsync.Exporter, error) {
	slog.Info("configuring multi")
	exps := make([]depotsync.Exporter, 0, len(c.Exporters))
	for _, l := range c.Exporters {
		exp, err := l.Configure()
		if err != nil {
			return nil, err
		}
		exps = append(exps, exp)
	}
	return multi.NewExporter(exps...), nil
}
