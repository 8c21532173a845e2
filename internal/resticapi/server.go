// Package resticapi exposes the restic REST backend API (v2) over a
// storage backend. Handlers translate restic's flat object model into the
// backend's directory tree: reads never create remote directories, writes
// always ensure the target directory exists.
package resticapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tonimelisma/restic115/internal/metadata"
	"github.com/tonimelisma/restic115/internal/open115"
)

// contentTypeV2 is the restic REST API v2 listing content type.
const contentTypeV2 = "application/vnd.x.restic.rest.v2"

// maxBodyBytes caps request bodies; the upstream callback protocol needs
// the whole content in memory to hash it.
const maxBodyBytes = 1 << 30

// Backend is the storage-translation surface the handlers drive.
// Implemented by *open115.Client.
type Backend interface {
	// InitRepository creates the repository root and standard subdirectories.
	InitRepository(ctx context.Context) error

	// FindTypeDirID resolves a type directory without creating it ("" when absent).
	FindTypeDirID(ctx context.Context, t open115.FileType) (string, error)

	// EnsureTypeDirID resolves a type directory, creating it when absent.
	EnsureTypeDirID(ctx context.Context, t open115.FileType) (string, error)

	// FindDataDirID resolves the shard directory of a data blob ("" when absent).
	FindDataDirID(ctx context.Context, name string) (string, error)

	// EnsureDataDirID resolves the shard directory of a data blob, creating it.
	EnsureDataDirID(ctx context.Context, name string) (string, error)

	// FindFile looks up a cached child by name (nil when absent).
	FindFile(ctx context.Context, dirID, name string) (*metadata.FileNode, error)

	// ListFiles returns the cached children of a directory.
	ListFiles(ctx context.Context, dirID string) ([]metadata.FileNode, error)

	// ListAllDataFiles enumerates files across every data shard.
	ListAllDataFiles(ctx context.Context) ([]metadata.FileNode, error)

	// Download fetches a file body, optionally a byte range.
	Download(ctx context.Context, pickCode string, rng *open115.ByteRange) ([]byte, error)

	// Upload pushes a blob and reconciles the cache.
	Upload(ctx context.Context, dirID, name string, data []byte) error

	// DeleteFile removes a file; idempotent.
	DeleteFile(ctx context.Context, dirID, fileID string) error
}

// Server holds the REST handlers and their dependencies.
type Server struct {
	backend Backend
	logger  *slog.Logger
}

// NewServer builds the REST surface over the given backend.
func NewServer(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{backend: backend, logger: logger}
}

// Handler returns the fully-routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.createRepository)
	r.Delete("/", s.deleteRepository)

	r.Head("/config", s.headConfig)
	r.Get("/config", s.getConfig)
	r.Post("/config", s.postConfig)

	r.Get("/{type}/", s.listObjects)

	r.Head("/{type}/{name}", s.headObject)
	r.Get("/{type}/{name}", s.getObject)
	r.Post("/{type}/{name}", s.postObject)
	r.Delete("/{type}/{name}", s.deleteObject)

	return r
}
