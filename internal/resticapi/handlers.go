package resticapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tonimelisma/restic115/internal/metadata"
	"github.com/tonimelisma/restic115/internal/open115"
)

// FileEntry is one element of a v2 listing response.
type FileEntry struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

// createRepository handles POST /?create=true: create the root and the
// five standard subdirectories.
func (s *Server) createRepository(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("create") != "true" {
		s.writeError(w, r, badRequest("missing create=true parameter"))
		return
	}

	s.logger.Info("creating repository")

	if err := s.backend.InitRepository(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// deleteRepository is deliberately unimplemented; destroying the whole
// remote tree from the REST surface is not supported.
func (s *Server) deleteRepository(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNotImplemented)
}

// resolveConfig finds the config file node without creating directories.
func (s *Server) resolveConfig(ctx context.Context) (*metadata.FileNode, error) {
	dirID, err := s.backend.FindTypeDirID(ctx, open115.TypeConfig)
	if err != nil {
		return nil, err
	}

	if dirID == "" {
		return nil, notFound("config")
	}

	node, err := s.backend.FindFile(ctx, dirID, "config")
	if err != nil {
		return nil, err
	}

	if node == nil {
		return nil, notFound("config")
	}

	return node, nil
}

func (s *Server) headConfig(w http.ResponseWriter, r *http.Request) {
	node, err := s.resolveConfig(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(node.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	node, err := s.resolveConfig(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	data, err := s.backend.Download(r.Context(), node.PickCode, nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) postConfig(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("saving config", slog.Int("size", len(body)))

	dirID, err := s.backend.EnsureTypeDirID(r.Context(), open115.TypeConfig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.backend.Upload(r.Context(), dirID, "config", body); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// listObjects handles GET /{type}/: a v2 JSON array of {name, size}. For
// data it enumerates every shard; for an absent directory it returns [].
func (s *Server) listObjects(w http.ResponseWriter, r *http.Request) {
	t, ok := open115.ParseFileType(chi.URLParam(r, "type"))
	if !ok {
		s.writeError(w, r, badRequest("invalid type: "+chi.URLParam(r, "type")))
		return
	}

	if t.IsConfig() {
		s.writeError(w, r, badRequest("use /config endpoint for config"))
		return
	}

	var (
		nodes []metadata.FileNode
		err   error
	)

	if t == open115.TypeData {
		nodes, err = s.backend.ListAllDataFiles(r.Context())
	} else {
		var dirID string

		dirID, err = s.backend.FindTypeDirID(r.Context(), t)
		if err == nil && dirID != "" {
			nodes, err = s.backend.ListFiles(r.Context(), dirID)
		}
	}

	if err != nil {
		s.writeError(w, r, err)
		return
	}

	entries := make([]FileEntry, 0, len(nodes))
	for _, n := range nodes {
		if n.IsDir {
			continue
		}

		entries = append(entries, FileEntry{Name: n.Name, Size: uint64(n.Size)})
	}

	w.Header().Set("Content-Type", contentTypeV2)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(entries)
}

// resolveObject finds the node for /{type}/{name} without creating
// directories.
func (s *Server) resolveObject(ctx context.Context, t open115.FileType, name string) (*metadata.FileNode, error) {
	var (
		dirID string
		err   error
	)

	if t == open115.TypeData {
		dirID, err = s.backend.FindDataDirID(ctx, name)
	} else {
		dirID, err = s.backend.FindTypeDirID(ctx, t)
	}

	if err != nil {
		return nil, err
	}

	if dirID == "" {
		return nil, notFound(name)
	}

	node, err := s.backend.FindFile(ctx, dirID, name)
	if err != nil {
		return nil, err
	}

	if node == nil {
		return nil, notFound(name)
	}

	return node, nil
}

func (s *Server) headObject(w http.ResponseWriter, r *http.Request) {
	t, ok := open115.ParseFileType(chi.URLParam(r, "type"))
	if !ok {
		s.writeError(w, r, badRequest("invalid type: "+chi.URLParam(r, "type")))
		return
	}

	node, err := s.resolveObject(r.Context(), t, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(node.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request) {
	t, ok := open115.ParseFileType(chi.URLParam(r, "type"))
	if !ok {
		s.writeError(w, r, badRequest("invalid type: "+chi.URLParam(r, "type")))
		return
	}

	node, err := s.resolveObject(r.Context(), t, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		data, err := s.backend.Download(r.Context(), node.PickCode, nil)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)

		return
	}

	start, end, err := parseRange(rangeHeader, node.Size)
	switch err {
	case nil:
	case errRangeUnsatisfiable:
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", node.Size))
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)

		return
	default:
		s.writeError(w, r, badRequest("invalid Range header"))
		return
	}

	data, err := s.backend.Download(r.Context(), node.PickCode, &open115.ByteRange{Start: start, End: end})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, node.Size))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(data)
}

func (s *Server) postObject(w http.ResponseWriter, r *http.Request) {
	t, ok := open115.ParseFileType(chi.URLParam(r, "type"))
	if !ok {
		s.writeError(w, r, badRequest("invalid type: "+chi.URLParam(r, "type")))
		return
	}

	name := chi.URLParam(r, "name")

	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("uploading object",
		slog.String("type", string(t)),
		slog.String("name", name),
		slog.Int("size", len(body)),
	)

	var dirID string

	if t == open115.TypeData {
		dirID, err = s.backend.EnsureDataDirID(r.Context(), name)
	} else {
		dirID, err = s.backend.EnsureTypeDirID(r.Context(), t)
	}

	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.backend.Upload(r.Context(), dirID, name, body); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// deleteObject removes a file. Absent directories or files are success:
// delete is idempotent at this surface.
func (s *Server) deleteObject(w http.ResponseWriter, r *http.Request) {
	t, ok := open115.ParseFileType(chi.URLParam(r, "type"))
	if !ok {
		s.writeError(w, r, badRequest("invalid type: "+chi.URLParam(r, "type")))
		return
	}

	name := chi.URLParam(r, "name")

	s.logger.Info("deleting object",
		slog.String("type", string(t)),
		slog.String("name", name),
	)

	var (
		dirID string
		err   error
	)

	if t == open115.TypeData {
		dirID, err = s.backend.FindDataDirID(r.Context(), name)
	} else {
		dirID, err = s.backend.FindTypeDirID(r.Context(), t)
	}

	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if dirID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	node, err := s.backend.FindFile(r.Context(), dirID, name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if node != nil {
		if err := s.backend.DeleteFile(r.Context(), dirID, node.FileID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// readBody reads the request body up to limit bytes and rejects anything
// larger. Truncating instead would upload a corrupt object with a 200.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, badRequest("failed to read request body: " + err.Error())
	}

	if int64(len(body)) > limit {
		return nil, payloadTooLarge("request body exceeds upload limit")
	}

	return body, nil
}
