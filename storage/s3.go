package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config holds configuration for the S3 backend
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string `yaml:"prefix"`   // Optional key prefix
}

// S3 implements Remote on an S3 bucket. Directories are key prefixes; an
// empty directory is represented by a "name/" marker object.
type S3 struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3 creates an S3-backed Remote
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return &S3{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func (s *S3) key(p string) string {
	return s.prefix + strings.TrimPrefix(path.Clean("/"+p), "/")
}

func (s *S3) dirKey(p string) string {
	k := s.key(p)
	if k == "" || strings.HasSuffix(k, "/") {
		return k
	}
	return k + "/"
}

func (s *S3) List(ctx context.Context, dir string) ([]Entry, error) {
	prefix := s.dirKey(dir)
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list failed for %s: %w", dir, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			entries = append(entries, Entry{Name: name, IsDir: true})
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" {
				// directory marker of dir itself
				continue
			}
			entries = append(entries, Entry{Name: name})
		}
	}
	return entries, nil
}

func (s *S3) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err == nil {
		return true, nil
	}
	if !isNotFound(err) {
		return false, fmt.Errorf("s3 head failed for %s: %w", p, err)
	}

	// Not a file; check for anything under it as a directory.
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(s.dirKey(p)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("s3 list failed for %s: %w", p, err)
	}
	return aws.ToInt32(out.KeyCount) > 0, nil
}

func (s *S3) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", p, os.ErrNotExist)
		}
		return nil, fmt.Errorf("s3 get failed for %s: %w", p, err)
	}
	return out.Body, nil
}

func (s *S3) Put(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(remotePath)),
		Body:        f,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed for %s: %w", remotePath, err)
	}
	return nil
}

func (s *S3) Mkdir(ctx context.Context, p string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.dirKey(p)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("s3 mkdir failed for %s: %w", p, err)
	}
	return nil
}

// Rename copies the object to its new key and deletes the old one
func (s *S3) Rename(ctx context.Context, src, dst string) error {
	srcKey := s.key(src)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(url.PathEscape(s.bucket + "/" + srcKey)),
		Key:        aws.String(s.key(dst)),
	})
	if err != nil {
		return fmt.Errorf("s3 copy failed for %s: %w", src, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(srcKey),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed for %s: %w", src, err)
	}
	return nil
}

func (s *S3) Rmdir(ctx context.Context, p string) error {
	marker := s.dirKey(p)
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(marker),
		MaxKeys: aws.Int32(2),
	})
	if err != nil {
		return fmt.Errorf("s3 list failed for %s: %w", p, err)
	}
	for _, obj := range out.Contents {
		if aws.ToString(obj.Key) != marker {
			return fmt.Errorf("%w: %s", ErrNotEmpty, p)
		}
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(marker),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed for %s: %w", p, err)
	}
	return nil
}

func (s *S3) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
