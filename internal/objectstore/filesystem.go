package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemStore stores objects as files under a root directory. Used
// for development and tests; the public URL is served by the
// orchestrator itself or a local file server.
type FilesystemStore struct {
	root   string
	public string
	log    *slog.Logger
}

// NewFilesystemStore creates a new filesystem-backed object store.
func NewFilesystemStore(root, publicBaseURL string, log *slog.Logger) (*FilesystemStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &FilesystemStore{
		root:   root,
		public: strings.TrimSuffix(publicBaseURL, "/"),
		log:    log,
	}, nil
}

// path maps a key to a file path, rejecting traversal outside the root.
func (s *FilesystemStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FilesystemStore) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close object: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

func (s *FilesystemStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

func (s *FilesystemStore) Head(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

func (s *FilesystemStore) PublicURL(key string) string {
	return s.public + "/" + key
}

func (s *FilesystemStore) Close() error {
	return nil
}
