package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSecretStore resolves secret paths against the local environment and
// filesystem. Paths use explicit schemes:
//
//	env://NAME       value of the environment variable NAME
//	file:///abs/path contents of the file
//	anything else    file under BaseDir (or the path itself when BaseDir is "")
type FileSecretStore struct {
	BaseDir string
}

// NewFileSecretStore creates a store rooted at baseDir.
func NewFileSecretStore(baseDir string) *FileSecretStore {
	return &FileSecretStore{BaseDir: baseDir}
}

// FetchSecret implements SecretStore.
func (s *FileSecretStore) FetchSecret(_ context.Context, path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "env://"):
		name := strings.TrimPrefix(path, "env://")
		v := os.Getenv(name)
		if v == "" {
			return "", fmt.Errorf("environment variable %q is empty", name)
		}
		return v, nil

	case strings.HasPrefix(path, "file://"):
		return readSecretFile(strings.TrimPrefix(path, "file://"))

	default:
		if s.BaseDir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(s.BaseDir, path)
		}
		return readSecretFile(path)
	}
}

func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return string(data), nil
}
