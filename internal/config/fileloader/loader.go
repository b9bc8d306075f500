// Package fileloader reads scanner definitions from a standalone YAML file.
package fileloader

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

// definitions is the layout of a scanners file.
type definitions struct {
	Scanners []domain.Scanner `yaml:"scanners"`
}

// FileLoader loads scanner definitions from a file on disk.
type FileLoader struct {
	// path is the filesystem path to the scanners file.
	path string
}

// NewFileLoader creates a new FileLoader reading the file at path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// Load reads and parses the scanners file.
func (l *FileLoader) Load(ctx context.Context) ([]domain.Scanner, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scanners file: %w", err)
	}

	var defs definitions
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse scanners file: %w", err)
	}
	return defs.Scanners, nil
}
