package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MetadataStore keeps token metadata content-addressed by the sha256 of its
// canonical bytes. Put returns the object URI and the hex hash.
type MetadataStore interface {
	Put(ctx context.Context, canonicalJSON []byte) (uri, hash string, err error)
}

func metadataKey(prefix, hash string) string {
	return path.Join(prefix, "metadata", hash+".json")
}

func contentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3MetadataStore struct {
	bucket   string
	prefix   string
	uploader Uploader
}

func NewS3MetadataStore(ctx context.Context, bucket, prefix string) (*S3MetadataStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("metadata bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3MetadataStoreWithUploader(bucket, prefix, manager.NewUploader(s3.NewFromConfig(cfg))), nil
}

func NewS3MetadataStoreWithUploader(bucket, prefix string, uploader Uploader) *S3MetadataStore {
	return &S3MetadataStore{bucket: bucket, prefix: prefix, uploader: uploader}
}

// Put is idempotent: the same bytes always land on the same key.
func (s *S3MetadataStore) Put(ctx context.Context, body []byte) (string, string, error) {
	hash := contentHash(body)
	key := metadataKey(s.prefix, hash)
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", "", fmt.Errorf("upload metadata: %w", err)
	}
	return "s3://" + s.bucket + "/" + key, hash, nil
}

type MemoryMetadataStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryMetadataStore() *MemoryMetadataStore {
	return &MemoryMetadataStore{objects: map[string][]byte{}}
}

func (m *MemoryMetadataStore) Put(_ context.Context, body []byte) (string, string, error) {
	hash := contentHash(body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[hash] = append([]byte(nil), body...)
	return "mem://" + metadataKey("", hash), hash, nil
}

func (m *MemoryMetadataStore) Get(hash string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[hash]
	return b, ok
}
