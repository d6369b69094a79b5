package imagesource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// S3 resolves images from an S3 bucket using the standard shard scheme.
type S3 struct {
	Bucket     string
	Prefix     string
	Ext        string
	client     *s3.Client
	downloader *manager.Downloader
}

// NewS3 builds an S3 source, discovering region/credentials the standard
// AWS SDK way (env vars, shared config, instance profile).
func NewS3(ctx context.Context, bucket, region, prefix string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS config")
	}
	client := s3.NewFromConfig(cfg)
	return &S3{
		Bucket:     bucket,
		Prefix:     prefix,
		Ext:        "jpg",
		client:     client,
		downloader: manager.NewDownloader(client),
	}, nil
}

func (s *S3) key(sha256Hex string) (string, error) {
	return ShardPath(s.Prefix, sha256Hex, s.Ext)
}

func (s *S3) Exists(ctx context.Context, sha256Hex string) (bool, error) {
	key, err := s.key(sha256Hex)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Fetch downloads the object and verifies its SHA-256 matches sha256Hex,
// guarding against silent corruption in transit or a mislabeled key.
func (s *S3) Fetch(ctx context.Context, sha256Hex, localPath string) (int64, error) {
	key, err := s.key(sha256Hex)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, errors.Wrap(err, "creating destination directory")
	}
	out, err := os.Create(localPath)
	if err != nil {
		return 0, errors.Wrapf(err, "creating %q", localPath)
	}
	defer out.Close()

	n, err := s.downloader.Download(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "downloading s3://%s/%s", s.Bucket, key)
	}

	sum, err := fileSHA256(localPath)
	if err != nil {
		return n, errors.Wrap(err, "verifying downloaded image")
	}
	if sum != sha256Hex {
		os.Remove(localPath)
		return n, errors.Errorf("downloaded image hash mismatch: got %s want %s", sum, sha256Hex)
	}
	return n, nil
}

func (s *S3) Locator(sha256Hex string) (string, bool) {
	key, err := s.key(sha256Hex)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, key), true
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
