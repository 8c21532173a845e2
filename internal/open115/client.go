package open115

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bluele/gcache"

	"github.com/tonimelisma/restic115/internal/metadata"
)

// Download-URL memoisation bounds. Minted URLs are time-limited; the TTL
// stays well inside the provider's validity window.
const (
	downloadURLCacheSize = 10_000
	downloadURLCacheTTL  = 10 * time.Minute
)

// listPageSize is the provider's per-page listing limit.
const listPageSize = 1150

// Options configures a Client.
type Options struct {
	APIBase   string
	RepoPath  string
	UserAgent string
}

// Client talks to the 115 Open Platform on behalf of the REST surface. It
// layers the token manager under every authenticated call and keeps the
// metadata store consistent with the remote tree.
type Client struct {
	apiBase    string
	repoPath   string
	userAgent  string
	httpClient *http.Client
	tokens     *TokenManager
	store      *metadata.Store
	logger     *slog.Logger

	urlCache gcache.Cache

	// sleepFunc waits between rate-limit retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error
	// nowFunc feeds the OSS Date header. Tests override it.
	nowFunc func() time.Time
}

// NewClient builds the provider client.
func NewClient(
	opts Options,
	httpClient *http.Client,
	tokens *TokenManager,
	store *metadata.Store,
	logger *slog.Logger,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		apiBase:    strings.TrimRight(opts.APIBase, "/"),
		repoPath:   "/" + strings.Trim(opts.RepoPath, "/"),
		userAgent:  opts.UserAgent,
		httpClient: httpClient,
		tokens:     tokens,
		store:      store,
		logger:     logger,
		urlCache: gcache.New(downloadURLCacheSize).
			LRU().
			Expiration(downloadURLCacheTTL).
			Build(),
		sleepFunc: sleepCtx,
		nowFunc:   time.Now,
	}
}

// RepoPath returns the normalised repository root path on the remote.
func (c *Client) RepoPath() string {
	return c.repoPath
}

// formFactory writes one multipart form body. It is invoked once per
// attempt because multipart bodies are consumed on send; retries need a
// fresh body.
type formFactory func(mw *multipart.Writer) error

// textForm returns a factory writing plain text fields.
func textForm(fields map[string]string) formFactory {
	return func(mw *multipart.Writer) error {
		for k, v := range fields {
			if err := mw.WriteField(k, v); err != nil {
				return err
			}
		}

		return nil
	}
}

// getJSON performs an authenticated GET and decodes the JSON body into out,
// applying the full classification table: 401 and token-invalid application
// codes force-refresh and retry once, 429 and rate-limit codes back off and
// retry, everything else decodes and returns. Application errors inside a
// decoded body are the caller's to interpret.
func (c *Client) getJSON(ctx context.Context, apiPath string, query url.Values, out any) error {
	send := func(ctx context.Context, token string) (int, []byte, error) {
		u := c.apiBase + apiPath
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return 0, nil, err
		}

		c.setAuthHeaders(req, token)

		return c.doRead(req)
	}

	return c.dispatch(ctx, apiPath, send, out)
}

// postMultipartJSON performs an authenticated multipart POST and decodes
// the JSON body into out. form is called once per attempt.
func (c *Client) postMultipartJSON(ctx context.Context, apiPath string, form formFactory, out any) error {
	send := func(ctx context.Context, token string) (int, []byte, error) {
		var buf bytes.Buffer

		mw := multipart.NewWriter(&buf)
		if err := form(mw); err != nil {
			return 0, nil, fmt.Errorf("building form: %w", err)
		}

		if err := mw.Close(); err != nil {
			return 0, nil, fmt.Errorf("closing form: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+apiPath, &buf)
		if err != nil {
			return 0, nil, err
		}

		c.setAuthHeaders(req, token)
		req.Header.Set("Content-Type", mw.FormDataContentType())

		return c.doRead(req)
	}

	return c.dispatch(ctx, apiPath, send, out)
}

func (c *Client) setAuthHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
}

// doRead executes the request and drains the body.
func (c *Client) doRead(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	return resp.StatusCode, data, nil
}

// sendFunc issues one attempt of the semantic request with the given
// access token.
type sendFunc func(ctx context.Context, token string) (int, []byte, error)

// dispatch runs the classification/retry loop shared by both entry shapes.
func (c *Client) dispatch(ctx context.Context, apiPath string, send sendFunc, out any) error {
	for attempt := 1; attempt <= maxRateLimitRetries; attempt++ {
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			return err
		}

		status, body, err := send(ctx, token)
		if err != nil {
			return &TransportError{Err: err}
		}

		// HTTP-level 401: force refresh, retry once, surface.
		if status == http.StatusUnauthorized {
			return c.retryWithFreshToken(ctx, send, out)
		}

		// HTTP-level 429: backoff and retry.
		if status == http.StatusTooManyRequests {
			if attempt >= maxRateLimitRetries {
				break
			}

			c.logger.Warn("provider returned 429, backing off",
				slog.String("path", apiPath),
				slog.Int("attempt", attempt),
			)

			if sleepErr := c.sleepFunc(ctx, backoffDelay(attempt)); sleepErr != nil {
				return &TransportError{Err: sleepErr}
			}

			continue
		}

		// Application-level codes live in 2xx JSON bodies.
		var probe envelope
		if probeErr := json.Unmarshal(body, &probe); probeErr == nil {
			code := probe.code(0)

			if isAccessTokenInvalid(code) {
				return c.retryWithFreshToken(ctx, send, out)
			}

			if isRateLimited(code) && attempt < maxRateLimitRetries {
				c.logger.Warn("provider rate limited, backing off",
					slog.String("path", apiPath),
					slog.Int64("code", code),
					slog.Int("attempt", attempt),
				)

				if sleepErr := c.sleepFunc(ctx, backoffDelay(attempt)); sleepErr != nil {
					return &TransportError{Err: sleepErr}
				}

				continue
			}
		}

		return decodeBody(body, out)
	}

	return &APIError{Code: codeQuotaLimited, Message: "rate limit retries exhausted"}
}

// retryWithFreshToken force-refreshes once and replays the request.
func (c *Client) retryWithFreshToken(ctx context.Context, send sendFunc, out any) error {
	token, err := c.tokens.ForceRefresh(ctx)
	if err != nil {
		return err
	}

	_, body, err := send(ctx, token)
	if err != nil {
		return &TransportError{Err: err}
	}

	return decodeBody(body, out)
}

func decodeBody(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return &DecodeError{Err: err}
	}

	return nil
}
