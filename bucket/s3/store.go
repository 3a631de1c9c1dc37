// Package s3 provides an S3-compatible bucket adapter for public-bucket.
//
// This adapter supports AWS S3, MinIO, LocalStack, Cloudflare R2,
// and other S3-compatible object stores.
//
// # Contract
//
//   - Head: HeadObject; ETag and ContentLength become ObjectInfo.
//   - Get: GetObject; ranged reads are true range reads via the HTTP Range
//     header, never simulated full downloads.
//   - Missing keys and buckets map to bucket.ErrNotFound.
//
// Retries are left to the SDK client configuration.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/storacha/public-bucket/bucket"
)

// API defines the subset of the S3 client interface used by the store.
// This enables testing with mock implementations.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Config holds configuration for the S3 store.
type Config struct {
	// Bucket is the S3 bucket name. Required.
	Bucket string

	// Prefix is an optional key prefix for all operations.
	// If set, all keys are prefixed with this value (with a trailing slash added if missing).
	Prefix string
}

// Store implements bucket.Bucket using an S3-compatible backend.
type Store struct {
	client API
	bucket string
	prefix string
}

// New creates a new S3 store with the given client and configuration.
//
// The client must be pre-configured with credentials, region, and endpoint.
// Use NewClient or github.com/aws/aws-sdk-go-v2/config to build one.
//
// Example:
//
//	client, err := s3store.NewClient(ctx, s3store.ClientConfig{Region: "us-east-1"})
//	store, err := s3store.New(client, s3store.Config{Bucket: "my-bucket"})
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// Head returns the object's ETag and size.
// Returns bucket.ErrNotFound if the object does not exist.
func (s *Store) Head(ctx context.Context, key string) (bucket.ObjectInfo, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return bucket.ObjectInfo{}, err
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		if isNotFound(err) {
			return bucket.ObjectInfo{}, bucket.ErrNotFound
		}
		return bucket.ObjectInfo{}, fmt.Errorf("s3: head object: %w", err)
	}

	return bucket.ObjectInfo{
		ETag: aws.ToString(out.ETag),
		Size: aws.ToInt64(out.ContentLength),
	}, nil
}

// Get retrieves the object, or a byte range of it when opts.Range is set.
// Returns bucket.ErrNotFound if the object does not exist.
// If the range starts beyond EOF the body is empty; if it extends beyond
// EOF the available bytes are returned.
func (s *Store) Get(ctx context.Context, key string, opts bucket.GetOptions) (*bucket.Object, error) {
	fullKey, err := s.validateKey(key)
	if err != nil {
		return nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	}
	if r := opts.Range; r != nil {
		if r.Offset < 0 || r.Length < 0 {
			return nil, fmt.Errorf("s3: invalid range offset=%d length=%d", r.Offset, r.Length)
		}
		// S3 cannot express an empty range; answer from metadata instead.
		if r.Length == 0 {
			return s.emptyObject(ctx, key)
		}
		// S3 Range header format: "bytes=start-end" (inclusive)
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1))
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, bucket.ErrNotFound
		}
		// Check for InvalidRange (offset beyond EOF)
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return s.emptyObject(ctx, key)
		}
		return nil, fmt.Errorf("s3: get object: %w", err)
	}

	size := aws.ToInt64(out.ContentLength)
	if total, ok := totalFromContentRange(aws.ToString(out.ContentRange)); ok {
		size = total
	}

	return &bucket.Object{
		ObjectInfo: bucket.ObjectInfo{
			ETag: aws.ToString(out.ETag),
			Size: size,
		},
		Body: out.Body,
	}, nil
}

func (s *Store) emptyObject(ctx context.Context, key string) (*bucket.Object, error) {
	info, err := s.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	return &bucket.Object{
		ObjectInfo: info,
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}, nil
}

// validateKey validates and returns the full key.
func (s *Store) validateKey(key string) (string, error) {
	if key == "" {
		return "", bucket.ErrInvalidKey
	}

	// Normalize the key
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", bucket.ErrInvalidKey
	}
	// Remove leading slash
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "", bucket.ErrInvalidKey
	}

	return s.prefix + cleaned, nil
}

// totalFromContentRange extracts the complete length from a
// "bytes start-end/total" Content-Range value.
func totalFromContentRange(v string) (int64, bool) {
	_, total, found := strings.Cut(v, "/")
	if !found || total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// isNotFound checks if an error indicates the object was not found.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey" || code == "404"
	}
	return false
}

// -----------------------------------------------------------------------------
// Mock S3 Client for Testing
// -----------------------------------------------------------------------------

// MockS3Client is a test double for API.
type MockS3Client struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// Call counters for test assertions
	GetObjectCalls  int
	HeadObjectCalls int

	// GetObjectErr, when set, is returned by every GetObject call.
	GetObjectErr error
}

// NewMockS3Client creates a new mock S3 client for testing.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		objects: make(map[string][]byte),
	}
}

// Put stores data under the full (already prefixed) key.
func (m *MockS3Client) Put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
}

// ResetCounts resets call counters for test isolation.
func (m *MockS3Client) ResetCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetObjectCalls = 0
	m.HeadObjectCalls = 0
}

// GetObject implements API.GetObject for testing.
func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	m.GetObjectCalls++
	data, exists := m.objects[key]
	getErr := m.GetObjectErr
	m.mu.Unlock()

	if getErr != nil {
		return nil, getErr
	}
	if !exists {
		return nil, &types.NoSuchKey{}
	}

	total := int64(len(data))
	out := &s3.GetObjectOutput{ETag: aws.String(mockETag(key))}

	// Handle range requests
	if params.Range != nil {
		rangeStr := aws.ToString(params.Range)
		var start, end int64
		_, _ = fmt.Sscanf(rangeStr, "bytes=%d-%d", &start, &end)

		if start >= total {
			return nil, &smithyAPIError{code: "InvalidRange"}
		}

		if end >= total {
			end = total - 1
		}

		data = data[start : end+1]
		out.ContentRange = aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	}

	out.ContentLength = aws.Int64(int64(len(data)))
	out.Body = io.NopCloser(bytes.NewReader(data))
	return out, nil
}

// HeadObject implements API.HeadObject for testing.
func (m *MockS3Client) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	key := aws.ToString(params.Key)

	m.mu.Lock()
	m.HeadObjectCalls++
	data, exists := m.objects[key]
	m.mu.Unlock()

	if !exists {
		return nil, &types.NotFound{}
	}

	return &s3.HeadObjectOutput{
		ETag:          aws.String(mockETag(key)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func mockETag(key string) string {
	return fmt.Sprintf("%q", key)
}

// smithyAPIError implements smithy.APIError for testing.
type smithyAPIError struct {
	code    string
	message string
}

func (e *smithyAPIError) Error() string {
	return e.message
}

func (e *smithyAPIError) ErrorCode() string {
	return e.code
}

func (e *smithyAPIError) ErrorMessage() string {
	return e.message
}

func (e *smithyAPIError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultUnknown
}
