// Package archive uploads completed run artifacts to S3. The archive
// is optional: when no bucket is configured nothing is wired and runs
// complete without it.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/petrakis/cloval/internal/modules/results"
)

// uploader is the slice of manager.Uploader the archiver needs; tests
// substitute a fake.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Archiver writes one JSON artifact per completed run.
type Archiver struct {
	log      zerolog.Logger
	uploader uploader
	bucket   string
	prefix   string
}

// New builds an archiver against the configured bucket using the
// ambient AWS credential chain.
func New(ctx context.Context, bucket, prefix, region string, log zerolog.Logger) (*Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("archive: no bucket configured")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("archive: loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &Archiver{
		log:      log.With().Str("service", "archive").Logger(),
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}, nil
}

// ArchiveRun uploads the run's JSON artifact. The object key is
// <prefix>/<deal>/<run-id>.json.
func (a *Archiver) ArchiveRun(ctx context.Context, out results.Output) error {
	body, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("archive: marshaling run %s: %w", out.Run.ID, err)
	}

	key := path.Join(a.prefix, out.Run.Deal, out.Run.ID+".json")
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("archive: uploading run %s: %w", out.Run.ID, err)
	}

	a.log.Info().
		Str("run_id", out.Run.ID).
		Str("key", key).
		Int("bytes", len(body)).
		Msg("run artifact archived")
	return nil
}
