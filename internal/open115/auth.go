package open115

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/restic115/internal/metadata"
)

// DefaultRefreshURL is the passport endpoint that exchanges a refresh token
// for a fresh pair.
const DefaultRefreshURL = "https://passportapi.115.com/open/refreshToken"

// refreshWindow is how long before the known expiry a token is treated as
// stale and refreshed pre-emptively. When the provider omits expires_in the
// expiry is unknown and the token is assumed valid until a call proves
// otherwise.
const refreshWindow = 5 * time.Minute

// maxRateLimitRetries bounds every retry loop in this package.
const maxRateLimitRetries = 6

// backoffDelay returns the sleep before the next attempt: 1, 2, 4, 8, 16,
// 16 seconds. attempt starts at 1.
func backoffDelay(attempt int) time.Duration {
	secs := int64(1) << (attempt - 1)
	if secs > 16 {
		secs = 16
	}

	return time.Duration(secs) * time.Second
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TokenStore persists the token pair across restarts. Implemented by
// *metadata.Store.
type TokenStore interface {
	LoadToken(ctx context.Context) (*metadata.TokenRecord, error)
	SaveToken(ctx context.Context, access, refresh string) error
}

// TokenManager owns the current 115 token pair. Reads take the lock
// briefly; a refresh holds it only for the final swap, so a
// refresh-in-progress never clears the stored pair. Concurrent refreshers
// coalesce onto one in-flight request — the provider rejects refreshes
// issued too frequently (code 40140117).
type TokenManager struct {
	httpClient *http.Client
	store      TokenStore
	logger     *slog.Logger
	refreshURL string

	mu          sync.RWMutex
	accessToken string
	refreshTok  string
	expiresAt   time.Time // zero means unknown

	group singleflight.Group

	// sleepFunc waits between refresh attempts. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
	// nowFunc returns the current time. Tests override it.
	nowFunc func() time.Time
}

// NewTokenManager builds a token manager. Seed tokens from configuration
// win over a persisted pair; when both seeds are empty the persisted pair
// (if any) is loaded.
func NewTokenManager(
	ctx context.Context,
	httpClient *http.Client,
	store TokenStore,
	access, refresh string,
	logger *slog.Logger,
) (*TokenManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	m := &TokenManager{
		httpClient: httpClient,
		store:      store,
		logger:     logger,
		refreshURL: DefaultRefreshURL,
		sleepFunc:  sleepCtx,
		nowFunc:    time.Now,
	}

	switch {
	case access != "" && refresh != "":
		m.accessToken = access
		m.refreshTok = refresh

		if store != nil {
			if err := store.SaveToken(ctx, access, refresh); err != nil {
				return nil, fmt.Errorf("open115: seeding tokens: %w", err)
			}
		}

		logger.Info("token manager seeded from configuration")
	case store != nil:
		rec, err := store.LoadToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("open115: loading persisted tokens: %w", err)
		}

		if rec != nil {
			m.accessToken = rec.AccessToken
			m.refreshTok = rec.RefreshToken

			logger.Info("token manager loaded persisted tokens",
				slog.Time("updated_at", rec.UpdatedAt),
			)
		}
	}

	return m, nil
}

// AccessToken returns the current access token, refreshing first when the
// token is within the pre-expiry window. Fails with ErrAuthMissing when no
// refresh token is known.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	token := m.accessToken
	expiresAt := m.expiresAt
	m.mu.RUnlock()

	if token != "" && (expiresAt.IsZero() || m.nowFunc().Add(refreshWindow).Before(expiresAt)) {
		return token, nil
	}

	return m.ForceRefresh(ctx)
}

// ForceRefresh performs an unconditional refresh. Concurrent callers share
// the result of the single in-flight attempt.
func (m *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	token, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return "", err
	}

	return token.(string), nil
}

// Replace atomically installs a new token pair and persists it. A zero
// expiresAt means the expiry is unknown.
func (m *TokenManager) Replace(ctx context.Context, access, refresh string, expiresAt time.Time) error {
	m.mu.Lock()
	m.accessToken = access
	m.refreshTok = refresh
	m.expiresAt = expiresAt
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveToken(ctx, access, refresh); err != nil {
			return fmt.Errorf("open115: persisting refreshed tokens: %w", err)
		}
	}

	return nil
}

// refresh runs the refresh protocol with up to six attempts. Transport
// errors, JSON parse errors, and the refresh-frequency code back off and
// retry; any other application error is terminal.
func (m *TokenManager) refresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	refreshTok := m.refreshTok
	m.mu.RUnlock()

	if refreshTok == "" {
		return "", ErrAuthMissing
	}

	m.logger.Info("refreshing 115 access token")

	var lastErr error

	for attempt := 1; attempt <= maxRateLimitRetries; attempt++ {
		body, err := m.refreshOnce(ctx, refreshTok)
		if err != nil {
			// Transport or parse failure: retryable.
			if ctx.Err() != nil {
				return "", &TransportError{Err: ctx.Err()}
			}

			lastErr = err

			if attempt < maxRateLimitRetries {
				m.logger.Warn("token refresh attempt failed",
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)

				if sleepErr := m.sleepFunc(ctx, backoffDelay(attempt)); sleepErr != nil {
					return "", &TransportError{Err: sleepErr}
				}

				continue
			}

			return "", err
		}

		code := body.code(-1)
		if body.State == StateTrue && code == 0 {
			return m.install(ctx, body)
		}

		if code == codeRefreshTooFrequent && attempt < maxRateLimitRetries {
			m.logger.Warn("token refresh rate limited",
				slog.Int64("code", code),
				slog.Int("attempt", attempt),
			)

			lastErr = &RefreshError{Code: code, Message: body.Message}

			if sleepErr := m.sleepFunc(ctx, backoffDelay(attempt)); sleepErr != nil {
				return "", &TransportError{Err: sleepErr}
			}

			continue
		}

		return "", &RefreshError{Code: code, Message: body.Message}
	}

	if lastErr == nil {
		lastErr = &RefreshError{Code: -1, Message: "exhausted retries"}
	}

	return "", lastErr
}

// refreshOnce performs a single form-encoded POST to the refresh endpoint.
func (m *TokenManager) refreshOnce(ctx context.Context, refreshTok string) (*refreshResponse, error) {
	form := url.Values{"refresh_token": {refreshTok}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.refreshURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	var body refreshResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &DecodeError{Err: err}
	}

	return &body, nil
}

// install validates the refresh payload, swaps the pair, and persists it.
func (m *TokenManager) install(ctx context.Context, body *refreshResponse) (string, error) {
	if body.Data == nil || body.Data.AccessToken == "" || body.Data.RefreshToken == "" {
		return "", &RefreshError{Code: body.code(-1), Message: "refresh succeeded but token pair missing"}
	}

	var expiresAt time.Time
	if body.Data.ExpiresIn > 0 {
		expiresAt = m.nowFunc().Add(time.Duration(body.Data.ExpiresIn) * time.Second)
	}

	if err := m.Replace(ctx, body.Data.AccessToken, body.Data.RefreshToken, expiresAt); err != nil {
		return "", err
	}

	m.logger.Info("115 access token refreshed",
		slog.Bool("expiry_known", !expiresAt.IsZero()),
	)

	return body.Data.AccessToken, nil
}

// HasTokens reports whether both tokens are present.
func (m *TokenManager) HasTokens() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.accessToken != "" && m.refreshTok != ""
}
