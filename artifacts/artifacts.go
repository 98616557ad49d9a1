// Package artifacts archives captured screenshots for audit, to a local
// directory in development or a Cloud Storage bucket in production.
package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// Store archives screenshot files. Exactly one of localPath or bucket is
// used: a non-empty localPath wins.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates an archive store. client may be nil when localPath is set.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		bucket:    bucket,
		localPath: localPath,
		logger:    logger,
	}
}

// Archive copies the screenshot at path into the archive, keyed by date and
// base filename so one day's captures group together.
func (s *Store) Archive(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read screenshot: %w", err)
	}

	key := filepath.Join(time.Now().Format("2006-01-02"), filepath.Base(path))

	// Local filesystem archive
	if s.localPath != "" {
		dest := filepath.Join(s.localPath, key)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create archive dir: %w", err)
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fmt.Errorf("write to local archive: %w", err)
		}
		s.logger.Info("Screenshot archived to local storage", "path", dest, "bytes", len(data))
		return nil
	}

	if s.client == nil || s.bucket == "" {
		return fmt.Errorf("archive not configured")
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "image/png"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying archive upload after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("archive after retries: %w", err)
	}

	s.logger.Info("Screenshot archived to bucket", "bucket", s.bucket, "key", key, "bytes", len(data))
	return nil
}
