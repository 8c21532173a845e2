package open115

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
)

// ByteRange is an inclusive byte range for partial downloads.
type ByteRange struct {
	Start int64
	End   int64
}

// DownloadURL mints (or returns a memoised) time-limited download URL for
// a pick code. Entries expire from the LRU well before the provider's URL
// validity lapses.
func (c *Client) DownloadURL(ctx context.Context, pickCode string) (string, error) {
	if cached, err := c.urlCache.Get(pickCode); err == nil {
		return cached.(string), nil
	}

	var resp rawDataResponse

	err := c.postMultipartJSON(ctx, "/open/ufile/downurl", textForm(map[string]string{
		"pick_code": pickCode,
	}), &resp)
	if err != nil {
		return "", err
	}

	if resp.isError() {
		return "", resp.apiError()
	}

	if len(resp.Data) == 0 {
		return "", &InternalError{Message: "downurl: missing data"}
	}

	downloadURL, err := extractDownloadURL(resp.Data)
	if err != nil {
		return "", err
	}

	// Ignore the set error; a full cache just skips memoisation.
	_ = c.urlCache.Set(pickCode, downloadURL)

	return downloadURL, nil
}

// extractDownloadURL walks the file-id-keyed map in sorted key order and
// returns the first entry with a .url.url string, so multi-entry responses
// resolve deterministically.
func extractDownloadURL(data json.RawMessage) (string, error) {
	var entries map[string]struct {
		URL struct {
			URL string `json:"url"`
		} `json:"url"`
	}

	if err := json.Unmarshal(data, &entries); err != nil {
		return "", &DecodeError{Err: err}
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		if u := entries[k].URL.URL; u != "" {
			return u, nil
		}
	}

	return "", &InternalError{Message: "downurl: missing url"}
}

// Download fetches a file body by pick code, optionally a byte range. The
// minted URL is pre-authenticated; only the User-Agent must match the one
// that requested it.
func (c *Client) Download(ctx context.Context, pickCode string, rng *ByteRange) ([]byte, error) {
	downloadURL, err := c.DownloadURL(ctx, pickCode)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	req.Header.Set("User-Agent", c.userAgent)

	if rng != nil {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &InternalError{Message: fmt.Sprintf(
			"download failed with status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	return body, nil
}
