// Package storage keeps held message bodies in S3-compatible object storage.
//
// Bodies are addressed by key (see moderation.BlobKey) and may be encrypted
// client-side with AES-256-GCM before upload. The encryption key is a
// 32-byte hex string from config.toml.
//
//	s3, err := storage.NewFromConfig(&cfg.S3)
//	if err != nil {
//		return err
//	}
//	err = s3.Put(ctx, moderation.BlobKey(listID, hash), raw)
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/migadu/listd/config"
	"github.com/migadu/listd/consts"
	"github.com/migadu/listd/logger"
	"github.com/migadu/listd/pkg/metrics"
)

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
}

func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("Storage: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// NewFromConfig builds a client from the [s3] section, enabling encryption
// when it is configured.
func NewFromConfig(cfg *config.S3Config) (*S3Storage, error) {
	if !cfg.IsConfigured() {
		return nil, fmt.Errorf("s3 endpoint and bucket are required")
	}
	s, err := New(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.Bucket, !cfg.DisableTLS, cfg.Debug)
	if err != nil {
		return nil, err
	}
	if cfg.Encrypt {
		if err := s.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// EnableEncryption turns on client-side encryption with a hex-encoded
// 256-bit key.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}

	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("Storage: client-side encryption enabled")
	return nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, string, error) {
	objInfo, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, objInfo.VersionID, nil
	}
	if isNotFound(err) {
		return false, "", nil
	}
	return false, "", fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	start := time.Now()

	payload := data
	if s.Encrypt {
		encrypted, err := s.encryptData(data)
		if err != nil {
			record("PUT", start, err)
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		payload = encrypted
	}

	_, err := s.Client.PutObject(ctx, s.BucketName, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{SendContentMd5: true})
	record("PUT", start, err)
	if err != nil {
		logger.Warn("Storage: upload failed", "key", key, "reason", classifyS3Error(err), "error", err)
		return fmt.Errorf("%w: %s: %v", consts.ErrS3UploadFailed, key, err)
	}
	return nil
}

// Get downloads and, if needed, decrypts the object at key. A missing
// object yields an error wrapping consts.ErrDBNotFound.
func (s *S3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()

	object, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		record("GET", start, err)
		return nil, s.wrapGetError(key, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		record("GET", start, err)
		return nil, s.wrapGetError(key, err)
	}

	if s.Encrypt {
		data, err = s.decryptData(data)
		if err != nil {
			record("GET", start, err)
			return nil, fmt.Errorf("failed to decrypt data: %w", err)
		}
	}

	record("GET", start, nil)
	return data, nil
}

func (s *S3Storage) wrapGetError(key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("object %s: %w", key, consts.ErrDBNotFound)
	}
	return fmt.Errorf("failed to read object %s: %w", key, err)
}

// Delete removes key. Deleting a missing object succeeds.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()

	exists, versionID, err := s.Exists(ctx, key)
	if err != nil {
		record("DELETE", start, err)
		return err
	}
	if !exists {
		logger.Debug("Storage: object does not exist, skipping deletion", "key", key)
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
		return nil
	}

	err = s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{VersionID: versionID})
	record("DELETE", start, err)
	return err
}

// Ping checks that the bucket is reachable.
func (s *S3Storage) Ping(ctx context.Context) error {
	ok, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("failed to reach bucket %s: %w", s.BucketName, err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.BucketName)
	}
	return nil
}

func record(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = classifyS3Error(err)
	}
	metrics.S3OperationsTotal.WithLabelValues(operation, status).Inc()
	metrics.S3OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	// The nonce is stored in front of the ciphertext.
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func isNotFound(err error) bool {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return minioErr.StatusCode == 404 || minioErr.Code == "NoSuchKey"
	}
	return false
}

// classifyS3Error buckets S3 errors for metrics and logs.
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case isNotFound(err), strings.Contains(errStr, "NoSuchKey"):
		return "not_found"
	case strings.Contains(errStr, "AccessDenied"), strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "SlowDown"), strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "error"
	}
}
