// Package attachments loads files referenced by chat messages so they can be
// embedded into provider requests.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"github.com/teampulse/pulse-ai/internal/config"
)

// Kind groups media types by how providers accept them.
type Kind string

const (
	KindImage Kind = "image"
	KindPDF   Kind = "pdf"
	KindText  Kind = "text"
	KindOther Kind = "other"
)

var (
	ErrStorageUnavailable = errors.New("object storage not configured")
	ErrTooLarge           = errors.New("attachment too large")
)

// Attachment is what a chat client sends: either inline bytes, inline text or
// a key into the attachment bucket.
type Attachment struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	ObjectKey string `json:"object_key,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Text      string `json:"text,omitempty"`
}

// File is a loaded attachment. Text holds the extracted text of documents and
// the content of plain text files.
type File struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
	Data      []byte `json:"-"`
	Text      string `json:"text,omitempty"`
}

// Kind classifies the file by media type.
func (f File) Kind() Kind {
	mt := strings.ToLower(f.MediaType)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case strings.HasPrefix(mt, "image/"):
		return KindImage
	case mt == "application/pdf":
		return KindPDF
	case strings.HasPrefix(mt, "text/"), mt == "application/json", mt == "application/xml", mt == "application/x-yaml", mt == "application/yaml":
		return KindText
	default:
		return KindOther
	}
}

// TextExtractor turns a document into plain text. Document parsing lives
// outside this module.
type TextExtractor interface {
	Extract(ctx context.Context, file File) (string, error)
}

// ObjectGetter is the object storage read side used by Resolver.
type ObjectGetter interface {
	Get(ctx context.Context, key string, maxBytes int64) ([]byte, string, error)
}

// Resolver loads attachments from inline data or object storage.
type Resolver struct {
	objects   ObjectGetter
	extractor TextExtractor
	maxBytes  int64
}

// NewResolver builds a resolver. objects and extractor may be nil.
func NewResolver(objects ObjectGetter, extractor TextExtractor, maxBytes int64) *Resolver {
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	return &Resolver{objects: objects, extractor: extractor, maxBytes: maxBytes}
}

// Resolve loads every attachment. Attachments that fail are skipped and their
// errors joined into the returned error, so callers can still use the rest.
func (r *Resolver) Resolve(ctx context.Context, items []Attachment) ([]File, error) {
	if len(items) == 0 {
		return nil, nil
	}
	files := make([]File, 0, len(items))
	var errs []error
	for _, item := range items {
		file, err := r.resolveOne(ctx, item)
		if err != nil {
			log.WithField("attachment", item.Name).WithError(err).Warn("attachment skipped")
			errs = append(errs, fmt.Errorf("%s: %w", item.Name, err))
			continue
		}
		files = append(files, file)
	}
	return files, errors.Join(errs...)
}

func (r *Resolver) resolveOne(ctx context.Context, item Attachment) (File, error) {
	file := File{Name: item.Name, MediaType: item.MediaType, Data: item.Data, Text: item.Text}

	if len(file.Data) == 0 && file.Text == "" {
		if item.ObjectKey == "" {
			return File{}, errors.New("empty attachment")
		}
		if r.objects == nil {
			return File{}, ErrStorageUnavailable
		}
		data, contentType, err := r.objects.Get(ctx, item.ObjectKey, r.maxBytes)
		if err != nil {
			return File{}, err
		}
		file.Data = data
		if file.MediaType == "" {
			file.MediaType = contentType
		}
		if file.Name == "" {
			file.Name = filepath.Base(item.ObjectKey)
		}
	}
	if int64(len(file.Data)) > r.maxBytes {
		return File{}, ErrTooLarge
	}
	if file.MediaType == "" {
		file.MediaType = detectMediaType(file)
	}

	switch file.Kind() {
	case KindText:
		if file.Text == "" {
			file.Text = string(file.Data)
		}
	case KindPDF:
		if file.Text == "" && r.extractor != nil {
			text, err := r.extractor.Extract(ctx, file)
			if err != nil {
				log.WithField("attachment", file.Name).WithError(err).Debug("text extraction failed")
			} else {
				file.Text = text
			}
		}
	}
	return file, nil
}

func detectMediaType(file File) string {
	if ext := filepath.Ext(file.Name); ext != "" {
		if mt := mime.TypeByExtension(strings.ToLower(ext)); mt != "" {
			return mt
		}
	}
	if len(file.Data) > 0 {
		return http.DetectContentType(file.Data)
	}
	if file.Text != "" {
		return "text/plain"
	}
	return "application/octet-stream"
}

// MinioStore reads attachment objects from an S3 compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the bucket described by cfg. It returns nil and
// no error when no endpoint is configured.
func NewMinioStore(cfg config.StorageConfig) (*MinioStore, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Get downloads key, refusing objects larger than maxBytes.
func (s *MinioStore) Get(ctx context.Context, key string, maxBytes int64) ([]byte, string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("stat object: %w", err)
	}
	if maxBytes > 0 && info.Size > maxBytes {
		return nil, "", ErrTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(obj, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read object: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", ErrTooLarge
	}
	return data, info.ContentType, nil
}
