package open115

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tonimelisma/restic115/internal/metadata"
)

// preHashLen is how much of the file the pre-hash covers (first 128 KiB).
const preHashLen = 128 * 1024

// Upload-init status values that matter to the state machine.
const (
	// initStatusDone means instant dedup: the provider already holds a
	// blob with this full hash.
	initStatusDone = 2

	// Statuses 6..8 carry a sign_check byte-range challenge.
	initStatusSignMin = 6
	initStatusSignMax = 8
)

// sha1HexUpper is the hash form every 115 upload field expects.
func sha1HexUpper(data []byte) string {
	sum := sha1.Sum(data)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// initResult is the dynamically-shaped payload of /open/upload/init.
// Field names vary across provider revisions, so extraction goes through
// string-key fallbacks rather than a rigid struct.
type initResult map[string]any

func (r initResult) status() int64 {
	v, ok := r["status"]
	if !ok {
		return -1
	}

	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
			return parsed
		}
	}

	return -1
}

// field returns the first non-empty string among the given keys.
func (r initResult) field(keys ...string) string {
	for _, k := range keys {
		if s, ok := r[k].(string); ok && s != "" {
			return s
		}
	}

	return ""
}

// callbackPair digs the callback/callback_var strings out of the known
// nesting shapes: directly under "callback", under "value"/"Value", or the
// first matching element of an array.
func (r initResult) callbackPair() (callback, callbackVar string, ok bool) {
	raw, present := r["callback"]
	if !present {
		return "", "", false
	}

	candidates := []any{raw}
	if arr, isArr := raw.([]any); isArr {
		candidates = arr
	}

	for _, cand := range candidates {
		obj, isObj := cand.(map[string]any)
		if !isObj {
			continue
		}

		if cb, cbOK := obj["callback"].(string); cbOK {
			if cv, cvOK := obj["callback_var"].(string); cvOK {
				return cb, cv, true
			}
		}

		nested, isNested := obj["value"].(map[string]any)
		if !isNested {
			nested, isNested = obj["Value"].(map[string]any)
		}

		if isNested {
			cb := stringField(nested, "callback", "Callback")
			cv := stringField(nested, "callback_var", "callbackVar", "CallbackVar")

			if cb != "" && cv != "" {
				return cb, cv, true
			}
		}
	}

	return "", "", false
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}

	return ""
}

// parseSignCheck parses the "start-end" inclusive byte range of a
// sign-check challenge.
func parseSignCheck(s string) (start, end int64, ok bool) {
	before, after, found := strings.Cut(s, "-")
	if !found {
		return 0, 0, false
	}

	start, err := strconv.ParseInt(before, 10, 64)
	if err != nil {
		return 0, 0, false
	}

	end, err = strconv.ParseInt(after, 10, 64)
	if err != nil {
		return 0, 0, false
	}

	return start, end, true
}

// uploadInit issues one /open/upload/init call. signKey/signVal are empty
// on the first round and carry the challenge answer on the second.
func (c *Client) uploadInit(
	ctx context.Context,
	parentID, filename string,
	size int,
	fullSHA1, preSHA1, signKey, signVal string,
) (initResult, error) {
	fields := map[string]string{
		"file_name": filename,
		"file_size": strconv.Itoa(size),
		"target":    "U_1_" + parentID,
		"fileid":    fullSHA1,
		"preid":     preSHA1,
	}

	if signKey != "" {
		fields["sign_key"] = signKey
		fields["sign_val"] = signVal
	}

	var resp rawDataResponse
	if err := c.postMultipartJSON(ctx, "/open/upload/init", textForm(fields), &resp); err != nil {
		return nil, err
	}

	if resp.isError() {
		return nil, resp.apiError()
	}

	if len(resp.Data) == 0 {
		return nil, &InternalError{Message: "upload init: missing data"}
	}

	var result initResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, &DecodeError{Err: err}
	}

	return result, nil
}

// Upload pushes data as (parentID, filename), negotiating instant dedup,
// the sign-check challenge, or a full OSS PUT as the provider directs.
// Safe to retry end-to-end; on success the cache holds a reconciled row
// for the pair.
func (c *Client) Upload(ctx context.Context, parentID, filename string, data []byte) error {
	size := len(data)
	fullSHA1 := sha1HexUpper(data)

	preLen := size
	if preLen > preHashLen {
		preLen = preHashLen
	}

	preSHA1 := sha1HexUpper(data[:preLen])

	init, err := c.uploadInit(ctx, parentID, filename, size, fullSHA1, preSHA1, "", "")
	if err != nil {
		return err
	}

	status := init.status()

	// Sign-check challenge: prove possession of a byte range, then re-init.
	if status >= initStatusSignMin && status <= initStatusSignMax {
		init, err = c.answerSignCheck(ctx, init, parentID, filename, data, fullSHA1, preSHA1)
		if err != nil {
			return err
		}

		status = init.status()
	}

	if status == initStatusDone {
		return c.finishFastUpload(ctx, init, parentID, filename, int64(size))
	}

	return c.ossUpload(ctx, init, parentID, filename, data)
}

// answerSignCheck hashes the challenged range and re-issues upload-init.
func (c *Client) answerSignCheck(
	ctx context.Context,
	init initResult,
	parentID, filename string,
	data []byte,
	fullSHA1, preSHA1 string,
) (initResult, error) {
	signCheck := init.field("sign_check", "signCheck")
	signKey := init.field("sign_key", "signKey")

	if signCheck == "" || signKey == "" {
		return init, nil
	}

	start, end, ok := parseSignCheck(signCheck)
	if !ok {
		return init, nil
	}

	size := int64(len(data))
	if size == 0 || start >= size || start > end {
		return nil, &InternalError{Message: fmt.Sprintf(
			"upload init returned invalid sign_check=%q for file_size=%d", signCheck, size)}
	}

	if end > size-1 {
		end = size - 1
	}

	signVal := sha1HexUpper(data[start : end+1])

	c.logger.Debug("answering upload sign-check challenge",
		slog.String("name", filename),
		slog.Int64("start", start),
		slog.Int64("end", end),
	)

	return c.uploadInit(ctx, parentID, filename, len(data), fullSHA1, preSHA1, signKey, signVal)
}

// finishFastUpload records the instant-dedup result. When the response
// carries no file id the upload still succeeds; the next read repopulates
// the row via listing.
func (c *Client) finishFastUpload(
	ctx context.Context,
	init initResult,
	parentID, filename string,
	size int64,
) error {
	fileID := init.field("file_id", "fileId")
	pickCode := init.field("pick_code", "pickCode")

	// A row without both identifiers is worse than no row: an empty pick
	// code fails at download-URL minting instead of repopulating via a
	// fresh listing. Skip caching and let the next listing pick it up.
	if fileID == "" || pickCode == "" {
		c.logger.Warn("instant dedup hit but response carried incomplete identifiers",
			slog.String("name", filename),
			slog.String("file_id", fileID),
		)

		return nil
	}

	return c.reconcile(ctx, &metadata.FileNode{
		FileID:   fileID,
		ParentID: parentID,
		Name:     filename,
		Size:     size,
		PickCode: pickCode,
	})
}

// ossUpload performs the signed object-store PUT leg and reconciles the
// callback metadata.
func (c *Client) ossUpload(
	ctx context.Context,
	init initResult,
	parentID, filename string,
	data []byte,
) error {
	bucket := init.field("bucket")
	if bucket == "" {
		return &InternalError{Message: "upload: missing bucket"}
	}

	object := init.field("object")
	if object == "" {
		return &InternalError{Message: "upload: missing object"}
	}

	callback, callbackVar, ok := init.callbackPair()
	if !ok {
		return &InternalError{Message: "upload: missing callback/callback_var"}
	}

	creds, err := c.GetUploadCredentials(ctx)
	if err != nil {
		return err
	}

	cb, err := c.ossPutObject(ctx, creds, bucket, object, callback, callbackVar, data)
	if err != nil {
		return err
	}

	if cb == nil {
		// Without callback metadata the cache would go blind to the new
		// blob; fail so the client retries end-to-end.
		return &InternalError{
			Message: "OSS upload completed but server failed to return file metadata via callback",
		}
	}

	parent := cb.CID
	if parent == "" {
		parent = parentID
	}

	name := cb.FileName
	if name == "" {
		name = filename
	}

	return c.reconcile(ctx, &metadata.FileNode{
		FileID:   cb.FileID,
		ParentID: parent,
		Name:     name,
		Size:     cb.FileSize,
		PickCode: cb.PickCode,
	})
}

// reconcile surgically installs the uploaded node: duplicate-name siblings
// with a different file id are deleted remotely (best effort) and evicted,
// then the fresh row is upserted. Other siblings are untouched.
func (c *Client) reconcile(ctx context.Context, node *metadata.FileNode) error {
	siblings, err := c.store.SiblingsNamed(ctx, node.ParentID, node.Name)
	if err != nil {
		return err
	}

	for _, sib := range siblings {
		if sib.FileID == node.FileID {
			continue
		}

		if delErr := c.DeleteFile(ctx, sib.ParentID, sib.FileID); delErr != nil {
			c.logger.Warn("failed to delete superseded duplicate",
				slog.String("file_id", sib.FileID),
				slog.String("name", sib.Name),
				slog.String("error", delErr.Error()),
			)

			// Keep going; the greatest-file-id tie-break hides the loser.
			if evictErr := c.store.DeleteNode(ctx, sib.FileID); evictErr != nil {
				return evictErr
			}
		}
	}

	return c.store.UpsertNode(ctx, node)
}

// GetUploadCredentials fetches fresh OSS signing credentials. The data
// envelope varies: an array (take the first element), a credentials object,
// or one level of nesting under "token"/"data"/any single key.
func (c *Client) GetUploadCredentials(ctx context.Context) (*UploadCredentials, error) {
	var resp rawDataResponse
	if err := c.getJSON(ctx, "/open/upload/get_token", nil, &resp); err != nil {
		return nil, err
	}

	if resp.isError() {
		return nil, resp.apiError()
	}

	if len(resp.Data) == 0 {
		return nil, &InternalError{Message: "get_token: missing data"}
	}

	creds, err := decodeUploadCredentials(resp.Data)
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(creds.Endpoint, "http://") && !strings.HasPrefix(creds.Endpoint, "https://") {
		creds.Endpoint = "https://" + creds.Endpoint
	}

	return creds, nil
}

func decodeUploadCredentials(data json.RawMessage) (*UploadCredentials, error) {
	var asList []json.RawMessage
	if err := json.Unmarshal(data, &asList); err == nil {
		if len(asList) == 0 {
			return nil, &InternalError{Message: "get_token: empty list"}
		}

		return unmarshalCredentials(asList[0])
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &asMap); err != nil {
		return nil, &DecodeError{Err: err}
	}

	if _, ok := asMap["AccessKeyId"]; ok {
		return unmarshalCredentials(data)
	}

	if _, ok := asMap["SecurityToken"]; ok {
		return unmarshalCredentials(data)
	}

	for _, key := range []string{"token", "data"} {
		if nested, ok := asMap[key]; ok {
			return unmarshalCredentials(nested)
		}
	}

	if len(asMap) == 1 {
		for _, nested := range asMap {
			return unmarshalCredentials(nested)
		}
	}

	return nil, &InternalError{Message: "get_token: unexpected data shape"}
}

func unmarshalCredentials(data json.RawMessage) (*UploadCredentials, error) {
	var creds UploadCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, &DecodeError{Err: err}
	}

	return &creds, nil
}
