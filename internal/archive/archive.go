// Package archive copies finished session logs to S3.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/tanq16/pullguard/internal/controller"
)

var ErrNoBucket = errors.New("archive bucket not set")

// Uploader is the part of manager.Uploader the archiver needs.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type Config struct {
	Bucket  string
	Prefix  string
	Profile string
}

// Archiver uploads a session log once its session has ended. Upload
// failures are logged; they never change the session outcome.
type Archiver struct {
	controller.NopObserver

	uploader Uploader
	bucket   string
	prefix   string
	logPath  string
	timeout  time.Duration
	log      zerolog.Logger

	// Location is set after a successful upload.
	Location string
}

// New builds an Archiver backed by an S3 client from the shared AWS config.
func New(ctx context.Context, cfg Config, logPath string, logger zerolog.Logger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithSharedConfigProfile(cfg.Profile),
		config.WithRetryMode("adaptive"),
	)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	up := manager.NewUploader(s3.NewFromConfig(awsCfg), func(u *manager.Uploader) {
		u.Concurrency = 2
	})
	return NewWithUploader(up, cfg, logPath, logger), nil
}

func NewWithUploader(up Uploader, cfg Config, logPath string, logger zerolog.Logger) *Archiver {
	return &Archiver{
		uploader: up,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		logPath:  logPath,
		timeout:  2 * time.Minute,
		log:      logger,
	}
}

// Key is the object key for a log file.
func (a *Archiver) Key(logPath string) string {
	prefix := strings.TrimPrefix(a.prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return path.Join(prefix, filepath.Base(logPath))
}

// Upload sends the file at logPath and returns its s3:// location.
func (a *Archiver) Upload(ctx context.Context, logPath string) (string, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return "", fmt.Errorf("error opening log for upload: %w", err)
	}
	defer f.Close()

	key := a.Key(logPath)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return "", fmt.Errorf("error uploading %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

func (a *Archiver) SessionEnded(s *controller.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	loc, err := a.Upload(ctx, a.logPath)
	if err != nil {
		a.log.Error().Str("op", "archive/upload").Err(err).Msg("failed to archive session log")
		return
	}
	a.Location = loc
	a.log.Info().Str("op", "archive/upload").Msgf("session log archived to %s", loc)
}
