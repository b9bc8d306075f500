package dispatch

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
)

// ArtifactSource enumerates the artifacts a task's rule selects. Implementations
// stream batches through yield and stop when it returns an error.
type ArtifactSource interface {
	ListArtifacts(ctx context.Context, projectID string, rule *domain.Rule, yield func([]domain.Artifact) error) error
}

var _ ArtifactSource = (*CatalogSource)(nil)

// CatalogSource serves artifacts from a static catalog, typically loaded from a
// YAML file. It backs single node deployments and tests.
type CatalogSource struct {
	mu        sync.RWMutex
	artifacts []domain.Artifact
	batchSize int
}

type catalogFile struct {
	Artifacts []struct {
		ProjectID      string  `yaml:"project_id"`
		RepoName       string  `yaml:"repo_name"`
		FullPath       string  `yaml:"full_path"`
		Name           string  `yaml:"name"`
		Sha256         string  `yaml:"sha256"`
		CredentialsKey *string `yaml:"credentials_key"`
		Size           int64   `yaml:"size"`
	} `yaml:"artifacts"`
}

// NewCatalogSource creates a source over artifacts.
func NewCatalogSource(batchSize int, artifacts ...domain.Artifact) *CatalogSource {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &CatalogSource{artifacts: artifacts, batchSize: batchSize}
}

// LoadCatalog reads a YAML catalog of artifacts from path.
func LoadCatalog(path string, batchSize int) (*CatalogSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse artifact catalog: %w", err)
	}

	artifacts := make([]domain.Artifact, 0, len(f.Artifacts))
	for _, a := range f.Artifacts {
		artifacts = append(artifacts, domain.Artifact{
			ProjectID:      a.ProjectID,
			RepoName:       a.RepoName,
			FullPath:       a.FullPath,
			Name:           a.Name,
			Sha256:         a.Sha256,
			CredentialsKey: a.CredentialsKey,
			Size:           a.Size,
		})
	}
	return NewCatalogSource(batchSize, artifacts...), nil
}

// Add appends artifacts to the catalog.
func (c *CatalogSource) Add(artifacts ...domain.Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts = append(c.artifacts, artifacts...)
}

func (c *CatalogSource) ListArtifacts(ctx context.Context, projectID string, rule *domain.Rule, yield func([]domain.Artifact) error) error {
	c.mu.RLock()
	var matched []domain.Artifact
	for _, a := range c.artifacts {
		if a.ProjectID == projectID && rule.Matches(a) {
			matched = append(matched, a)
		}
	}
	c.mu.RUnlock()

	for start := 0; start < len(matched); start += c.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+c.batchSize, len(matched))
		if err := yield(matched[start:end]); err != nil {
			return err
		}
	}
	return nil
}
