package persist

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const ctxTimeout = 30 * time.Second

// S3Config holds connection parameters for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"-" yaml:"-"`
	UseSSL          bool   `json:"use_ssl" yaml:"use_ssl"`
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	KeyPrefix       string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// S3Store implements Store on any S3-compatible object store via the MinIO
// client. Object layout:
//
//	bucket/
//	├── [keyPrefix/]secrets/<base64url(name)>.secret.json
//	└── [keyPrefix/]derivation.salt
//
// All objects are written by the vault layer in encrypted form.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// NewS3Store connects to the configured endpoint and ensures the bucket
// exists before returning the store.
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s3s.bucketName, err)
		}
	}
	return nil
}

func (s3s *S3Store) objectName(parts ...string) string {
	if s3s.keyPrefix != "" {
		parts = append([]string{s3s.keyPrefix}, parts...)
	}
	return strings.Join(parts, "/")
}

func (s3s *S3Store) secretObject(name string) string {
	encoded := base64.RawURLEncoding.EncodeToString([]byte(name))
	return s3s.objectName("secrets", encoded+secretSuffix)
}

func (s3s *S3Store) putObject(ctx context.Context, objectName string, data []byte) error {
	_, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", objectName, err)
	}
	return nil
}

func (s3s *S3Store) getObject(ctx context.Context, objectName string) ([]byte, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", objectName, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrSecretNotFound
		}
		return nil, fmt.Errorf("failed to read object %s: %w", objectName, err)
	}
	return data, nil
}

func (s3s *S3Store) objectExists(ctx context.Context, objectName string) (bool, error) {
	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat object %s: %w", objectName, err)
	}
	return true, nil
}

func (s3s *S3Store) SaveSecret(name string, record *Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	stored := record.Clone()
	stored.Name = name
	stored.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s3s.putObject(ctx, s3s.secretObject(name), data)
}

func (s3s *S3Store) LoadSecret(name string) (*Record, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	data, err := s3s.getObject(ctx, s3s.secretObject(name))
	if err != nil {
		return nil, err
	}

	var record Record
	if err = json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse record %s: %w", name, err)
	}
	return &record, nil
}

func (s3s *S3Store) RotateSecret(name string, record *Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.objectExists(ctx, s3s.secretObject(name))
	if err != nil {
		return err
	}
	if !exists {
		return ErrSecretNotFound
	}
	return s3s.SaveSecret(name, record)
}

func (s3s *S3Store) ListSecrets() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.objectName("secrets") + "/"
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var names []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}
		base := strings.TrimPrefix(object.Key, prefix)
		if !strings.HasSuffix(base, secretSuffix) {
			continue
		}
		encoded := strings.TrimSuffix(base, secretSuffix)
		decoded, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		names = append(names, string(decoded))
	}
	return names, nil
}

func (s3s *S3Store) DeleteSecret(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.secretObject(name)
	exists, err := s3s.objectExists(ctx, objectName)
	if err != nil {
		return err
	}
	if !exists {
		return ErrSecretNotFound
	}

	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", objectName, err)
	}
	return nil
}

func (s3s *S3Store) SecretExists(name string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s3s.objectExists(ctx, s3s.secretObject(name))
}

func (s3s *S3Store) SaveSalt(salt []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s3s.putObject(ctx, s3s.objectName(saltFile), salt)
}

func (s3s *S3Store) LoadSalt() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s3s.getObject(ctx, s3s.objectName(saltFile))
}

func (s3s *S3Store) SaltExists() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s3s.objectExists(ctx, s3s.objectName(saltFile))
}

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("s3 connectivity check failed: %w", err)
	}
	return nil
}

func (s3s *S3Store) Close() error { return nil }

func (s3s *S3Store) GetType() string { return "s3" }
