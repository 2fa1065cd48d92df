// Package media downloads and validates attachments referenced by URL
// before they are handed to a channel for upload.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

// Config contains download limits.
type Config struct {
	// Timeout bounds a single download. Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// MaxImageSize is the largest accepted image, in bytes. Default: 16MB
	MaxImageSize int64 `yaml:"max_image_size"`

	// MaxDocSize is the largest accepted document or other file. Default: 50MB
	MaxDocSize int64 `yaml:"max_doc_size"`
}

// DefaultConfig returns default limits.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		MaxImageSize: 16 * 1024 * 1024,
		MaxDocSize:   50 * 1024 * 1024,
	}
}

// MaxSizeFor returns the limit for a media type.
func (c Config) MaxSizeFor(t channels.MessageType) int64 {
	if t == channels.MessageImage {
		return c.MaxImageSize
	}
	return c.MaxDocSize
}

var (
	ErrTooLarge       = errors.New("media exceeds size limit")
	ErrMimeNotAllowed = errors.New("media type not allowed")
	ErrDownloadFailed = errors.New("media download failed")
)

// Fetcher downloads media over HTTP.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// NewFetcher creates a Fetcher, applying defaults for zero limits.
func NewFetcher(cfg Config) *Fetcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxImageSize <= 0 {
		cfg.MaxImageSize = def.MaxImageSize
	}
	if cfg.MaxDocSize <= 0 {
		cfg.MaxDocSize = def.MaxDocSize
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Fetch downloads url and returns the payload with its detected MIME type.
// The payload is validated against the allowed types for t.
func (f *Fetcher) Fetch(ctx context.Context, url string, t channels.MessageType) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: HTTP %d", ErrDownloadFailed, resp.StatusCode)
	}

	limit := f.cfg.MaxSizeFor(t)
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	if int64(len(data)) > limit {
		return nil, "", fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}

	mimeType := DetectMimeType(data, resp.Header.Get("Content-Type"))
	if err := ValidateMimeType(t, mimeType); err != nil {
		return nil, "", err
	}
	return data, mimeType, nil
}

// DetectMimeType sniffs the payload, falling back to the declared type when
// sniffing only yields a generic result.
func DetectMimeType(data []byte, declared string) string {
	detected := http.DetectContentType(data)
	if detected == "application/octet-stream" && declared != "" {
		detected = declared
	}
	if i := strings.Index(detected, ";"); i >= 0 {
		detected = strings.TrimSpace(detected[:i])
	}
	return detected
}
