package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// File reads a behavior document from path. The format follows the file extension.
func File(path string) (*DocumentSource, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	format, err := FormatFromPath(absPath)
	if err != nil {
		return nil, err
	}

	return Documents(func(context.Context) ([]byte, Format, error) {
		// #nosec G304 -- File path is configured at startup
		data, err := os.ReadFile(absPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read behavior file: %w", err)
		}
		return data, format, nil
	}), nil
}

// NewFile creates a Loader over the behavior document at path.
func NewFile(path string, opts ...Option) (*Loader, error) {
	src, err := File(path)
	if err != nil {
		return nil, err
	}
	return New(src, opts...), nil
}
