package orchestrator

import (
	"context"
	"time"
)

// ConfigStatus mirrors the configuration registry's lifecycle states.
type ConfigStatus string

const (
	ConfigActive   ConfigStatus = "active"
	ConfigDraft    ConfigStatus = "draft"
	ConfigArchived ConfigStatus = "archived"
)

type Configuration struct {
	ID          string
	WorkspaceID string
	Status      ConfigStatus
	StoragePath string
}

// DependencyRef is one entry of a configuration's dependency closure.
type DependencyRef struct {
	Path   string
	SHA256 string
}

// Configurations is the configuration registry collaborator. Implementations
// report absence with domain.ErrConfigurationNotFound and missing backing
// files with domain.ErrConfigurationStorageMissing.
type Configurations interface {
	Resolve(ctx context.Context, configID string) (Configuration, error)
	ResolveActive(ctx context.Context, workspaceID string) (Configuration, error)
	DependencyClosure(ctx context.Context, configID string) ([]DependencyRef, error)
	MarkUsed(ctx context.Context, configID string, at time.Time) error
}

type DocumentVersion struct {
	VersionID   string
	Filename    string
	ContentType string
	SizeBytes   int64
}

// Documents resolves a document to its current immutable version snapshot.
// Implementations report absence with domain.ErrDocumentNotFound; a returned
// version never changes content afterwards.
type Documents interface {
	ResolveCurrentVersion(ctx context.Context, documentID string) (DocumentVersion, error)
}
