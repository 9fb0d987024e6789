package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// localProvider writes archives under a base directory on a local or
// mounted filesystem.
type localProvider struct {
	basePath string
}

func newLocalProvider(basePath string) (*localProvider, error) {
	if basePath == "" {
		return nil, errors.New("local archive dir is required")
	}
	return &localProvider{basePath: filepath.Clean(basePath)}, nil
}

func (p *localProvider) Name() string { return "local" }

func (p *localProvider) Store(_ context.Context, key string, data []byte) error {
	dest, err := containedPath(p.basePath, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("write archive file: %w", err)
	}
	return nil
}

// containedPath resolves key under basePath and rejects traversal outside
// it. Keys come from session/exam IDs, which are client-influenced.
func containedPath(basePath, key string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("resolve base path: %w", err)
	}
	joined := filepath.Join(absBase, filepath.FromSlash(key))
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) && absJoined != absBase {
		return "", fmt.Errorf("path traversal detected: %q resolves outside base %q", key, absBase)
	}
	return absJoined, nil
}
