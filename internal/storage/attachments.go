package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/newsletter-queue/internal/domain"
)

const (
	defaultAttachmentTTL = 15 * time.Minute
	// maxAttachmentBytes bounds a single object read from the bucket.
	maxAttachmentBytes = 10 << 20
)

type cachedAttachment struct {
	att     domain.Attachment
	expires time.Time
}

// S3AttachmentLoader resolves campaign attachment keys to object bytes.
// Every job of a campaign asks for the same keys, so objects are cached
// in memory for a short TTL.
type S3AttachmentLoader struct {
	client s3API
	bucket string
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedAttachment
}

// NewS3AttachmentLoader creates a loader over bucket.
func NewS3AttachmentLoader(client *s3.Client, bucket string) *S3AttachmentLoader {
	return newS3AttachmentLoader(client, bucket)
}

func newS3AttachmentLoader(client s3API, bucket string) *S3AttachmentLoader {
	return &S3AttachmentLoader{
		client: client,
		bucket: bucket,
		ttl:    defaultAttachmentTTL,
		now:    time.Now,
		cache:  make(map[string]cachedAttachment),
	}
}

// Load fetches every key in order. Any missing object fails the whole load.
func (l *S3AttachmentLoader) Load(ctx context.Context, keys []string) ([]domain.Attachment, error) {
	out := make([]domain.Attachment, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		att, err := l.get(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

func (l *S3AttachmentLoader) get(ctx context.Context, key string) (domain.Attachment, error) {
	now := l.now()

	l.mu.Lock()
	if c, ok := l.cache[key]; ok && now.Before(c.expires) {
		l.mu.Unlock()
		return c.att, nil
	}
	l.mu.Unlock()

	result, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("getting attachment %q from S3: %w", key, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(io.LimitReader(result.Body, maxAttachmentBytes+1))
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("reading attachment %q: %w", key, err)
	}
	if len(data) > maxAttachmentBytes {
		return domain.Attachment{}, fmt.Errorf("attachment %q exceeds %d bytes", key, maxAttachmentBytes)
	}

	att := domain.Attachment{
		Filename:    path.Base(key),
		ContentType: aws.ToString(result.ContentType),
		Data:        data,
	}
	if att.ContentType == "" || att.ContentType == "binary/octet-stream" {
		att.ContentType = contentTypeFor(att.Filename)
	}

	l.mu.Lock()
	l.cache[key] = cachedAttachment{att: att, expires: now.Add(l.ttl)}
	l.mu.Unlock()

	return att, nil
}

func contentTypeFor(filename string) string {
	if ct := mime.TypeByExtension(path.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
