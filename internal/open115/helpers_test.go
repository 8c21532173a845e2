package open115

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/restic115/internal/metadata"
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

func newTestStore(t *testing.T) *metadata.Store {
	t.Helper()

	store, err := metadata.Open(":memory:", testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	return store
}

func nodeFixture(fileID, parentID, name string, size int64) *metadata.FileNode {
	return &metadata.FileNode{
		FileID:   fileID,
		ParentID: parentID,
		Name:     name,
		Size:     size,
		PickCode: "pc_" + fileID,
	}
}

// noopSleep makes retry loops run without waiting.
func noopSleep(context.Context, time.Duration) error {
	return nil
}

// newTestTokens builds a TokenManager seeded with a valid pair, pointed at
// the given refresh endpoint, with instant backoff.
func newTestTokens(t *testing.T, store *metadata.Store, refreshURL string) *TokenManager {
	t.Helper()

	m, err := NewTokenManager(context.Background(), nil, store, "seed-access", "seed-refresh", testLogger(t))
	require.NoError(t, err)

	m.refreshURL = refreshURL
	m.sleepFunc = noopSleep

	return m
}

// newTestClient builds a Client against the fake provider at apiBase with
// instant backoff.
func newTestClient(t *testing.T, store *metadata.Store, tokens *TokenManager, apiBase string) *Client {
	t.Helper()

	c := NewClient(Options{
		APIBase:   apiBase,
		RepoPath:  "/restic-backup",
		UserAgent: "restic115-test",
	}, nil, tokens, store, testLogger(t))

	c.sleepFunc = noopSleep

	return c
}

// rewriteTransport dials every host to the test server so virtual-hosted
// OSS URLs resolve without DNS.
func rewriteTransport(t *testing.T, srv *httptest.Server) *http.Client {
	t.Helper()

	addr := srv.Listener.Addr().String()

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}
