// Package content resolves a document's source reference to plain text. References are
// URLs dispatched by scheme (file, s3); a bare path is read from the local filesystem.
package content

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/nagare/internal/faults"
)

// ErrUnsupportedScheme is returned for source references no fetcher is registered for.
var ErrUnsupportedScheme = errors.New("unsupported source reference scheme")

// Reader turns a source reference into text.
type Reader interface {
	ReadText(ctx context.Context, sourceRef string) (string, error)
}

// Fetcher returns the raw bytes behind a parsed reference, reading at most limit bytes.
type Fetcher interface {
	Fetch(ctx context.Context, ref *url.URL, limit int64) ([]byte, error)
}

// SchemeReader dispatches references to fetchers by URL scheme and decodes the bytes by extension.
type SchemeReader struct {
	fetchers map[string]Fetcher
	maxBytes int64
	logger   *zap.Logger
}

// Option configures a SchemeReader.
type Option func(*SchemeReader)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *SchemeReader) { r.logger = l }
}

// WithFetcher registers f for scheme, replacing any earlier registration.
func WithFetcher(scheme string, f Fetcher) Option {
	return func(r *SchemeReader) { r.fetchers[strings.ToLower(scheme)] = f }
}

// NewReader returns a reader with the file fetcher registered. maxBytes caps how much of any
// source is read; oversized sources are truncated, not rejected.
func NewReader(maxBytes int64, opts ...Option) *SchemeReader {
	r := &SchemeReader{
		fetchers: map[string]Fetcher{"file": FileFetcher{}},
		maxBytes: maxBytes,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadText fetches and decodes sourceRef.
func (r *SchemeReader) ReadText(ctx context.Context, sourceRef string) (string, error) {
	ref, err := parseRef(sourceRef)
	if err != nil {
		return "", err
	}
	f, ok := r.fetchers[ref.Scheme]
	if !ok {
		return "", faults.Validation(fmt.Errorf("%w: %q", ErrUnsupportedScheme, ref.Scheme))
	}
	data, err := f.Fetch(ctx, ref, r.maxBytes)
	if err != nil {
		return "", err
	}
	if r.maxBytes > 0 && int64(len(data)) >= r.maxBytes {
		r.logger.Debug("source truncated", zap.String("source_ref", sourceRef), zap.Int64("max_bytes", r.maxBytes))
	}
	return Decode(data, path.Ext(ref.Path))
}

func parseRef(sourceRef string) (*url.URL, error) {
	if strings.TrimSpace(sourceRef) == "" {
		return nil, faults.Validationf("empty source reference")
	}
	if !strings.Contains(sourceRef, "://") {
		return &url.URL{Scheme: "file", Path: sourceRef}, nil
	}
	ref, err := url.Parse(sourceRef)
	if err != nil {
		return nil, faults.Validation(fmt.Errorf("parse source reference: %w", err))
	}
	ref.Scheme = strings.ToLower(ref.Scheme)
	return ref, nil
}
