// Package artifact moves screenshots and recordings to durable
// storage without ever making a script wait.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store persists one blob under a key and returns its durable URI.
// Puts must be idempotent per key; a duplicate overwrites.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// FSStore writes blobs under a local root. Used for filesystem
// buckets and in tests.
type FSStore struct {
	Root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &FSStore{Root: root}, nil
}

func (s *FSStore) Put(_ context.Context, key string, data []byte) (string, error) {
	if !filepath.IsLocal(key) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	path := filepath.Join(s.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + abs, nil
}

// HTTPStore PUTs blobs to an HTTP blob endpoint (S3-style:
// base URL + "/" + key).
type HTTPStore struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPStore builds a store for an http(s) bucket URL.
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *HTTPStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	target := s.BaseURL + "/" + key
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload to %s returned status %d", target, resp.StatusCode)
	}
	return target, nil
}

// StoreForBucket maps the artifact_bucket config value onto a store.
// Empty disables uploads; http(s) URLs go over the wire; anything
// else is a local directory.
func StoreForBucket(bucket string) (Store, error) {
	if bucket == "" {
		return nil, nil
	}
	if u, err := url.Parse(bucket); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return NewHTTPStore(bucket), nil
	}
	return NewFSStore(bucket)
}
