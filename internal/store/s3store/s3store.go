package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/crypto/blake2b"

	"guardpost-monitor/internal/healthclient"
	"guardpost-monitor/internal/probe"
	"guardpost-monitor/internal/store"
)

type Config struct {
	Endpoint    string
	Region      string
	Bucket      string
	AccessKeyID string
	SecretKey   string
	KeyPrefix   string
}

// Store uploads JSON-encoded probe snapshots to an S3-compatible bucket.
// Consecutive identical snapshots for a target are skipped, so a stable
// backend produces one object per state change rather than one per sweep.
type Store struct {
	client *s3.Client
	bucket string
	prefix string

	mu       sync.Mutex
	lastHash map[string]string // target -> hash of last uploaded snapshot
}

func New(config Config) *Store {
	// Set defaults
	if config.Region == "" {
		config.Region = "us-east-1"
	}

	awsConfig := aws.Config{
		Region:      config.Region,
		Credentials: credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretKey, ""),
	}

	// Set custom endpoint if provided (for S3-compatible services like R2)
	if config.Endpoint != "" {
		awsConfig.BaseEndpoint = aws.String(config.Endpoint)
	}

	return &Store{
		client:   s3.NewFromConfig(awsConfig),
		bucket:   config.Bucket,
		prefix:   config.KeyPrefix,
		lastHash: make(map[string]string),
	}
}

func (s *Store) Record(ctx context.Context, result *probe.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %v", err)
	}

	hash := snapshotHash(result)

	s.mu.Lock()
	if hash != "" && s.lastHash[result.Target] == hash {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	key := fmt.Sprintf("%s%s/%s-%s.json",
		s.prefix, result.Target, result.ObservedAt.UTC().Format("20060102T150405Z"), result.ID)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot: %v", err)
	}

	s.mu.Lock()
	s.lastHash[result.Target] = hash
	s.mu.Unlock()
	return nil
}

// snapshotHash fingerprints the observed state, ignoring per-sweep fields
// (ID, ObservedAt) so that an unchanged backend hashes identically.
func snapshotHash(result *probe.Result) string {
	state := struct {
		Target     string                     `json:"target"`
		Ready      bool                       `json:"ready"`
		Status     *healthclient.HealthStatus `json:"status,omitempty"`
		Error      string                     `json:"error,omitempty"`
		StatusCode int                        `json:"status_code,omitempty"`
	}{
		Target:     result.Target,
		Ready:      result.Ready,
		Status:     result.Status,
		Error:      result.Error,
		StatusCode: result.StatusCode,
	}

	data, err := json.Marshal(state)
	if err != nil {
		// Marshal of these fields cannot fail; fall back to always-upload.
		return ""
	}
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

func (s *Store) History(ctx context.Context, target string, limit int) ([]*probe.Result, error) {
	return nil, store.ErrHistoryUnsupported
}

// CheckHealth verifies bucket access by listing objects with limit 1
func (s *Store) CheckHealth(ctx context.Context) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	return err
}

func (s *Store) Close() error {
	return nil
}
