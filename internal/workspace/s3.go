package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// S3 mirrors local workspaces to an S3 bucket under
// <prefix>/<sessionID>/<relative path>. Prepare restores any mirrored
// copy before handing out the local path, so a workspace survives a
// host change.
type S3 struct {
	local  *Local
	client *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

func NewS3(ctx context.Context, local *Local, cfg S3Config, logger *slog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}
	var loadOptions []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOptions = append(loadOptions, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "workspaces"
	}
	return &S3{
		local:  local,
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: prefix,
		logger: logger,
	}, nil
}

func (s *S3) keyPrefix(sessionID uuid.UUID) string {
	return path.Join(s.prefix, sessionID.String()) + "/"
}

func (s *S3) Prepare(ctx context.Context, sessionID uuid.UUID) (string, error) {
	dir, err := s.local.Prepare(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if err := s.restore(ctx, sessionID, dir); err != nil {
		s.logger.Warn("workspace restore failed", "session_id", sessionID, "error", err)
	}
	return dir, nil
}

// Sync uploads every regular file in the local workspace. Objects for
// files deleted locally are left in place; Remove clears them.
func (s *S3) Sync(ctx context.Context, sessionID uuid.UUID) error {
	dir := s.local.Path(sessionID)
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", rel, err)
		}
		defer f.Close()

		key := s.keyPrefix(sessionID) + filepath.ToSlash(rel)
		if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: &s.bucket,
			Key:    &key,
			Body:   f,
		}); err != nil {
			return fmt.Errorf("s3 put %s: %w", key, err)
		}
		return nil
	})
}

func (s *S3) Remove(ctx context.Context, sessionID uuid.UUID) error {
	keys, err := s.listKeys(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: &s.bucket,
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("s3 delete %s: %w", key, err)
		}
	}
	return s.local.Remove(ctx, sessionID)
}

func (s *S3) restore(ctx context.Context, sessionID uuid.UUID, dir string) error {
	keys, err := s.listKeys(ctx, sessionID)
	if err != nil {
		return err
	}
	base := s.keyPrefix(sessionID)
	for _, key := range keys {
		rel := strings.TrimPrefix(key, base)
		if rel == "" || strings.Contains(rel, "..") {
			continue
		}
		local := filepath.Join(dir, filepath.FromSlash(rel))
		if _, err := os.Stat(local); err == nil {
			continue
		}
		if err := s.download(ctx, key, local); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3) download(ctx context.Context, key, local string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("write %s: %w", local, err)
	}
	return nil
}

func (s *S3) listKeys(ctx context.Context, sessionID uuid.UUID) ([]string, error) {
	var keys []string
	prefix := s.keyPrefix(sessionID)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}
