package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes artifacts under a base directory on the local
// filesystem. The default for single-node deployments and tests.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates the base directory if needed.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if baseDir == "" {
		baseDir = "./artifacts"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

func (l *LocalStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

func (l *LocalStore) Lookup(_ context.Context, key string) (string, bool, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("stat artifact: %w", err)
	}
	if info.IsDir() {
		return "", false, nil
	}
	return path, true, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(filepath.FromSlash(key))
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, ".."+string(filepath.Separator)) {
		key = strings.TrimPrefix(key, ".."+string(filepath.Separator))
	}
	return key
}
