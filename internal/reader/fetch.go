package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/storage"
)

// readLimited reads at most max bytes from r; max <= 0 means unlimited.
func readLimited(r io.Reader, max int64, name string) ([]byte, error) {
	if max > 0 {
		r = io.LimitReader(r, max+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if max > 0 && int64(len(data)) > max {
		return nil, domain.NewDomainError(domain.ErrCodeDocumentTooLarge,
			fmt.Sprintf("%s exceeds %d bytes", name, max))
	}
	return data, nil
}

// FileFetcher reads file:// URIs, optionally confined to Root.
type FileFetcher struct {
	Root     string
	MaxBytes int64
}

func (f FileFetcher) Fetch(ctx context.Context, u *url.URL) (*Source, error) {
	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		// file://relative/path
		p = u.Host + p
	}
	p = filepath.Clean(filepath.FromSlash(p))
	if f.Root != "" {
		root, err := filepath.Abs(f.Root)
		if err != nil {
			return nil, err
		}
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(root, abs)
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, domain.NewDomainError(domain.ErrCodeUnreadableDocument, "path outside document root: "+u.Path)
		}
		p = abs
	}

	file, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, domain.NewDomainErrorWithCause(domain.ErrCodeUnreadableDocument, "cannot open "+p, err)
		}
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeTransientDependency, "cannot open "+p, err)
	}
	defer file.Close()

	if info, err := file.Stat(); err == nil && info.IsDir() {
		return nil, domain.NewDomainError(domain.ErrCodeUnreadableDocument, p+" is a directory")
	}

	data, err := readLimited(file, f.MaxBytes, p)
	if err != nil {
		var de *domain.DomainError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeUnreadableDocument, "cannot read "+p, err)
	}
	return &Source{Body: data, Name: filepath.Base(p)}, nil
}

// HTTPFetcher reads http:// and https:// URIs.
type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

// NewHTTPFetcher creates a fetcher with the given request timeout.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}, MaxBytes: maxBytes}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, u *url.URL) (*Source, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeInvalidInput, "invalid url", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeTransientDependency, "fetch "+u.String(), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.NewDomainError(domain.ErrCodeTransientDependency,
			fmt.Sprintf("fetch %s: status %d", u, resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, domain.NewDomainError(domain.ErrCodeUnreadableDocument,
			fmt.Sprintf("fetch %s: status %d", u, resp.StatusCode))
	}

	data, err := readLimited(resp.Body, f.MaxBytes, u.String())
	if err != nil {
		var de *domain.DomainError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeTransientDependency, "read "+u.String(), err)
	}
	return &Source{Body: data, ContentType: resp.Header.Get("Content-Type"), Name: path.Base(u.Path)}, nil
}

// ObjectGetter is the part of storage.S3Client the S3 fetcher needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string, maxBytes int64) (*storage.Object, error)
}

// S3Fetcher reads s3://bucket/key URIs.
type S3Fetcher struct {
	Objects  ObjectGetter
	MaxBytes int64
}

func (f S3Fetcher) Fetch(ctx context.Context, u *url.URL) (*Source, error) {
	bucket, key, err := storage.ParseURI(u.String())
	if err != nil {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeInvalidInput, "invalid s3 uri", err)
	}
	obj, err := f.Objects.GetObject(ctx, bucket, key, f.MaxBytes)
	if err != nil {
		return nil, err
	}
	return &Source{Body: obj.Body, ContentType: obj.ContentType, Name: path.Base(key)}, nil
}
