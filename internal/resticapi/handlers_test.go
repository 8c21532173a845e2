package resticapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/restic115/internal/metadata"
	"github.com/tonimelisma/restic115/internal/open115"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T.Log to io.Writer for slog output.
type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// fakeBackend is an in-memory Backend: directories keyed by id, file
// bodies keyed by pick code. err, when set, fails every call.
type fakeBackend struct {
	dirs      map[string]string                   // path key -> dir id
	files     map[string]map[string]metadata.FileNode // dir id -> name -> node
	bodies    map[string][]byte                   // pick code -> content
	nextID    int
	initCalls int
	deleted   []string
	ranges    []*open115.ByteRange

	err error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		dirs:   map[string]string{},
		files:  map[string]map[string]metadata.FileNode{},
		bodies: map[string][]byte{},
		nextID: 100,
	}
}

func (f *fakeBackend) dirKey(t open115.FileType) string {
	if t.IsConfig() {
		return "root"
	}

	return t.Dirname()
}

func (f *fakeBackend) ensure(key string) string {
	if id, ok := f.dirs[key]; ok {
		return id
	}

	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.dirs[key] = id
	f.files[id] = map[string]metadata.FileNode{}

	return id
}

// addFile seeds a file into the directory with the given key, creating it.
func (f *fakeBackend) addFile(key, name string, content []byte) metadata.FileNode {
	dirID := f.ensure(key)

	f.nextID++
	node := metadata.FileNode{
		FileID:   strconv.Itoa(f.nextID),
		ParentID: dirID,
		Name:     name,
		Size:     int64(len(content)),
		PickCode: "pc" + strconv.Itoa(f.nextID),
	}

	f.files[dirID][name] = node
	f.bodies[node.PickCode] = content

	return node
}

func (f *fakeBackend) InitRepository(context.Context) error {
	if f.err != nil {
		return f.err
	}

	f.initCalls++
	f.ensure("root")

	for _, t := range open115.SubdirTypes {
		f.ensure(t.Dirname())
	}

	return nil
}

func (f *fakeBackend) FindTypeDirID(_ context.Context, t open115.FileType) (string, error) {
	if f.err != nil {
		return "", f.err
	}

	return f.dirs[f.dirKey(t)], nil
}

func (f *fakeBackend) EnsureTypeDirID(_ context.Context, t open115.FileType) (string, error) {
	if f.err != nil {
		return "", f.err
	}

	return f.ensure(f.dirKey(t)), nil
}

func (f *fakeBackend) FindDataDirID(_ context.Context, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}

	return f.dirs["data/"+name[:2]], nil
}

func (f *fakeBackend) EnsureDataDirID(_ context.Context, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}

	return f.ensure("data/" + name[:2]), nil
}

func (f *fakeBackend) FindFile(_ context.Context, dirID, name string) (*metadata.FileNode, error) {
	if f.err != nil {
		return nil, f.err
	}

	node, ok := f.files[dirID][name]
	if !ok {
		return nil, nil
	}

	return &node, nil
}

func (f *fakeBackend) ListFiles(_ context.Context, dirID string) ([]metadata.FileNode, error) {
	if f.err != nil {
		return nil, f.err
	}

	var nodes []metadata.FileNode
	for _, n := range f.files[dirID] {
		nodes = append(nodes, n)
	}

	return nodes, nil
}

func (f *fakeBackend) ListAllDataFiles(context.Context) ([]metadata.FileNode, error) {
	if f.err != nil {
		return nil, f.err
	}

	var nodes []metadata.FileNode

	for key, dirID := range f.dirs {
		if len(key) < 5 || key[:5] != "data/" {
			continue
		}

		for _, n := range f.files[dirID] {
			nodes = append(nodes, n)
		}
	}

	return nodes, nil
}

func (f *fakeBackend) Download(_ context.Context, pickCode string, rng *open115.ByteRange) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}

	f.ranges = append(f.ranges, rng)

	body, ok := f.bodies[pickCode]
	if !ok {
		return nil, open115.ErrNotFound
	}

	if rng == nil {
		return body, nil
	}

	end := rng.End
	if end > int64(len(body))-1 {
		end = int64(len(body)) - 1
	}

	return body[rng.Start : end+1], nil
}

func (f *fakeBackend) Upload(_ context.Context, dirID, name string, data []byte) error {
	if f.err != nil {
		return f.err
	}

	f.nextID++
	node := metadata.FileNode{
		FileID:   strconv.Itoa(f.nextID),
		ParentID: dirID,
		Name:     name,
		Size:     int64(len(data)),
		PickCode: "pc" + strconv.Itoa(f.nextID),
	}

	if f.files[dirID] == nil {
		f.files[dirID] = map[string]metadata.FileNode{}
	}

	f.files[dirID][name] = node
	f.bodies[node.PickCode] = data

	return nil
}

func (f *fakeBackend) DeleteFile(_ context.Context, dirID, fileID string) error {
	if f.err != nil {
		return f.err
	}

	f.deleted = append(f.deleted, fileID)

	for name, n := range f.files[dirID] {
		if n.FileID == fileID {
			delete(f.files[dirID], name)
		}
	}

	return nil
}

func newTestServer(t *testing.T, backend Backend) http.Handler {
	t.Helper()

	return NewServer(backend, testLogger(t)).Handler()
}

func doRequest(t *testing.T, h http.Handler, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestCreateRepository(t *testing.T) {
	t.Run("create=true initializes", func(t *testing.T) {
		backend := newFakeBackend()
		h := newTestServer(t, backend)

		rec := doRequest(t, h, http.MethodPost, "/?create=true", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, backend.initCalls)
	})

	t.Run("missing parameter rejected", func(t *testing.T) {
		backend := newFakeBackend()
		h := newTestServer(t, backend)

		rec := doRequest(t, h, http.MethodPost, "/", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, 0, backend.initCalls)
	})

	t.Run("repository delete unimplemented", func(t *testing.T) {
		h := newTestServer(t, newFakeBackend())

		rec := doRequest(t, h, http.MethodDelete, "/", nil, nil)
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})
}

func TestConfigEndpoints(t *testing.T) {
	t.Run("missing config is 404", func(t *testing.T) {
		h := newTestServer(t, newFakeBackend())

		for _, method := range []string{http.MethodHead, http.MethodGet} {
			rec := doRequest(t, h, method, "/config", nil, nil)
			assert.Equal(t, http.StatusNotFound, rec.Code, method)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		backend := newFakeBackend()
		h := newTestServer(t, backend)

		payload := []byte("encrypted repository config")

		rec := doRequest(t, h, http.MethodPost, "/config", payload, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doRequest(t, h, http.MethodHead, "/config", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, strconv.Itoa(len(payload)), rec.Header().Get("Content-Length"))

		rec = doRequest(t, h, http.MethodGet, "/config", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, payload, rec.Body.Bytes())
	})
}

func TestListObjects(t *testing.T) {
	t.Run("invalid type", func(t *testing.T) {
		h := newTestServer(t, newFakeBackend())

		rec := doRequest(t, h, http.MethodGet, "/blobs/", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("config has no listing", func(t *testing.T) {
		h := newTestServer(t, newFakeBackend())

		rec := doRequest(t, h, http.MethodGet, "/config/", nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("absent directory lists empty", func(t *testing.T) {
		h := newTestServer(t, newFakeBackend())

		rec := doRequest(t, h, http.MethodGet, "/snapshots/", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, contentTypeV2, rec.Header().Get("Content-Type"))

		var entries []FileEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		assert.Empty(t, entries)
	})

	t.Run("type listing", func(t *testing.T) {
		backend := newFakeBackend()
		backend.addFile("snapshots", "snap1", []byte("aaaa"))
		backend.addFile("snapshots", "snap2", []byte("bb"))

		h := newTestServer(t, backend)

		rec := doRequest(t, h, http.MethodGet, "/snapshots/", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var entries []FileEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		assert.ElementsMatch(t, []FileEntry{
			{Name: "snap1", Size: 4},
			{Name: "snap2", Size: 2},
		}, entries)
	})

	t.Run("data listing spans shards", func(t *testing.T) {
		backend := newFakeBackend()
		backend.addFile("data/ab", "abcd1111", []byte("x"))
		backend.addFile("data/cd", "cdef2222", []byte("yy"))

		h := newTestServer(t, backend)

		rec := doRequest(t, h, http.MethodGet, "/data/", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var entries []FileEntry
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
		assert.ElementsMatch(t, []FileEntry{
			{Name: "abcd1111", Size: 1},
			{Name: "cdef2222", Size: 2},
		}, entries)
	})
}

func TestHeadObject(t *testing.T) {
	backend := newFakeBackend()
	backend.addFile("keys", "key1", []byte("key material"))

	h := newTestServer(t, backend)

	rec := doRequest(t, h, http.MethodHead, "/keys/key1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12", rec.Header().Get("Content-Length"))

	rec = doRequest(t, h, http.MethodHead, "/keys/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetObject(t *testing.T) {
	content := []byte("0123456789")

	newSeeded := func(t *testing.T) (*fakeBackend, http.Handler) {
		t.Helper()

		backend := newFakeBackend()
		backend.addFile("data/ab", "abcd1234", content)

		return backend, newTestServer(t, backend)
	}

	t.Run("full body", func(t *testing.T) {
		backend, h := newSeeded(t)

		rec := doRequest(t, h, http.MethodGet, "/data/abcd1234", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, content, rec.Body.Bytes())
		assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
		require.Len(t, backend.ranges, 1)
		assert.Nil(t, backend.ranges[0])
	})

	t.Run("partial body", func(t *testing.T) {
		backend, h := newSeeded(t)

		rec := doRequest(t, h, http.MethodGet, "/data/abcd1234", nil,
			map[string]string{"Range": "bytes=2-5"})
		require.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "2345", rec.Body.String())
		assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
		require.Len(t, backend.ranges, 1)
		assert.Equal(t, &open115.ByteRange{Start: 2, End: 5}, backend.ranges[0])
	})

	t.Run("open ended range clamps", func(t *testing.T) {
		_, h := newSeeded(t)

		rec := doRequest(t, h, http.MethodGet, "/data/abcd1234", nil,
			map[string]string{"Range": "bytes=7-"})
		require.Equal(t, http.StatusPartialContent, rec.Code)
		assert.Equal(t, "789", rec.Body.String())
		assert.Equal(t, "bytes 7-9/10", rec.Header().Get("Content-Range"))
	})

	t.Run("unsatisfiable range", func(t *testing.T) {
		_, h := newSeeded(t)

		rec := doRequest(t, h, http.MethodGet, "/data/abcd1234", nil,
			map[string]string{"Range": "bytes=100-200"})
		require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
		assert.Equal(t, "bytes */10", rec.Header().Get("Content-Range"))
	})

	t.Run("malformed range", func(t *testing.T) {
		_, h := newSeeded(t)

		rec := doRequest(t, h, http.MethodGet, "/data/abcd1234", nil,
			map[string]string{"Range": "bytes=zz"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing object", func(t *testing.T) {
		_, h := newSeeded(t)

		rec := doRequest(t, h, http.MethodGet, "/data/ffff9999", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestPostObject(t *testing.T) {
	t.Run("upload then read back", func(t *testing.T) {
		backend := newFakeBackend()
		h := newTestServer(t, backend)

		payload := []byte("snapshot payload")

		rec := doRequest(t, h, http.MethodPost, "/snapshots/snap9", payload, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doRequest(t, h, http.MethodGet, "/snapshots/snap9", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, payload, rec.Body.Bytes())
	})

	t.Run("data upload creates the shard", func(t *testing.T) {
		backend := newFakeBackend()
		h := newTestServer(t, backend)

		rec := doRequest(t, h, http.MethodPost, "/data/abcd1234", []byte("blob"), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, backend.dirs, "data/ab")
	})

	t.Run("invalid type", func(t *testing.T) {
		h := newTestServer(t, newFakeBackend())

		rec := doRequest(t, h, http.MethodPost, "/blobs/x", []byte("b"), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDeleteObject(t *testing.T) {
	t.Run("deletes existing file", func(t *testing.T) {
		backend := newFakeBackend()
		node := backend.addFile("locks", "lock1", []byte("l"))

		h := newTestServer(t, backend)

		rec := doRequest(t, h, http.MethodDelete, "/locks/lock1", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{node.FileID}, backend.deleted)
	})

	t.Run("absent file is success", func(t *testing.T) {
		backend := newFakeBackend()
		backend.ensure("locks")

		h := newTestServer(t, backend)

		rec := doRequest(t, h, http.MethodDelete, "/locks/never", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, backend.deleted)
	})

	t.Run("absent directory is success", func(t *testing.T) {
		h := newTestServer(t, newFakeBackend())

		rec := doRequest(t, h, http.MethodDelete, "/data/abcd1234", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestErrorMapping(t *testing.T) {
	get := func(t *testing.T, injected error) *httptest.ResponseRecorder {
		t.Helper()

		backend := newFakeBackend()
		backend.addFile("keys", "key1", []byte("k"))
		backend.err = injected

		return doRequest(t, newTestServer(t, backend), http.MethodGet, "/keys/key1", nil, nil)
	}

	t.Run("auth missing is 401", func(t *testing.T) {
		rec := get(t, open115.ErrAuthMissing)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("refresh failure is 401", func(t *testing.T) {
		rec := get(t, &open115.RefreshError{Code: 40140116, Message: "invalid"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("quota limit is 429", func(t *testing.T) {
		rec := get(t, &open115.APIError{Code: 406, Message: "quota"})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("other api errors are 502", func(t *testing.T) {
		rec := get(t, &open115.APIError{Code: 20004, Message: "exists"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("transport failure is 502", func(t *testing.T) {
		rec := get(t, &open115.TransportError{Err: fmt.Errorf("connection refused")})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("unknown error is 500", func(t *testing.T) {
		rec := get(t, fmt.Errorf("disk on fire"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body["error"], "disk on fire")
	})
}

func TestReadBodyLimit(t *testing.T) {
	post := func(payload []byte) *http.Request {
		return httptest.NewRequest(http.MethodPost, "/config", bytes.NewReader(payload))
	}

	t.Run("under limit", func(t *testing.T) {
		body, err := readBody(post([]byte("abcd")), 8)
		require.NoError(t, err)
		assert.Equal(t, []byte("abcd"), body)
	})

	t.Run("exactly at limit", func(t *testing.T) {
		body, err := readBody(post([]byte("12345678")), 8)
		require.NoError(t, err)
		assert.Len(t, body, 8)
	})

	t.Run("over limit is 413", func(t *testing.T) {
		_, err := readBody(post([]byte("123456789")), 8)

		var he *httpError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, http.StatusRequestEntityTooLarge, he.status)
	})
}
