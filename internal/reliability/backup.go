// Package reliability handles off-host backups of the engine's data
// directory to S3-compatible storage.
package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/supakiln/engine/internal/config"
	"github.com/supakiln/engine/internal/vault"
)

// Result describes one completed backup.
type Result struct {
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
	SHA256    string    `json:"sha256"`
	Duration  string    `json:"duration"`
	CreatedAt time.Time `json:"created_at"`
}

type backupMetadata struct {
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
	Hostname  string    `json:"hostname"`
}

// Service uploads archives of the data directory to an S3-compatible bucket.
type Service struct {
	cfg      *config.BackupConfig
	dataDir  string
	uploader *manager.Uploader
	log      zerolog.Logger
}

// New creates a backup service. Works against both AWS S3 and Cloudflare R2;
// R2 deployments set the endpoint explicitly.
func New(ctx context.Context, cfg *config.BackupConfig, dataDir string, log zerolog.Logger) (*Service, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to configure backup credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Service{
		cfg:      cfg,
		dataDir:  dataDir,
		uploader: manager.NewUploader(client),
		log:      log.With().Str("component", "backup").Logger(),
	}, nil
}

// Schedule registers the periodic backup when one is configured.
func (s *Service) Schedule(c *cron.Cron) error {
	if s.cfg.Schedule == "" {
		return nil
	}
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := s.Run(ctx); err != nil {
			s.log.Error().Err(err).Msg("Scheduled backup failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid backup schedule %q: %w", s.cfg.Schedule, err)
	}
	s.log.Info().Str("schedule", s.cfg.Schedule).Msg("Periodic backups enabled")
	return nil
}

// Run archives the data directory and uploads it with a metadata sidecar.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	createdAt := start.UTC()
	key := fmt.Sprintf("backups/engine-%s.tar.gz", createdAt.Format("20060102-150405"))

	archive, err := s.archiveDataDir()
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(archive)
	digest := hex.EncodeToString(sum[:])

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(archive),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload backup: %w", err)
	}

	hostname, _ := os.Hostname()
	meta := backupMetadata{
		Key:       key,
		SizeBytes: int64(len(archive)),
		SHA256:    digest,
		CreatedAt: createdAt,
		Hostname:  hostname,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode backup metadata: %w", err)
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key + ".meta.json"),
		Body:        bytes.NewReader(metaJSON),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload backup metadata: %w", err)
	}

	elapsed := time.Since(start)
	s.log.Info().Str("key", key).Int("size_bytes", len(archive)).Dur("elapsed", elapsed).
		Msg("Backup uploaded")
	return &Result{
		Key:       key,
		SizeBytes: int64(len(archive)),
		SHA256:    digest,
		Duration:  elapsed.Round(time.Millisecond).String(),
		CreatedAt: createdAt,
	}, nil
}

// archiveDataDir packs the data directory into an in-memory tar.gz. The vault
// key never leaves the host: an attacker with bucket access must not get both
// the ciphertext and the key from the same place.
func (s *Service) archiveDataDir() ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(s.dataDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		name, err := filepath.Rel(s.dataDir, path)
		if err != nil {
			return err
		}
		if name == vault.KeyFileName || isSQLiteSidecar(name) {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive data directory: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalise archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalise archive: %w", err)
	}
	return buf.Bytes(), nil
}

// WAL sidecars are transient and unreadable without a checkpoint anyway.
func isSQLiteSidecar(name string) bool {
	return strings.HasSuffix(name, "-wal") || strings.HasSuffix(name, "-shm")
}
