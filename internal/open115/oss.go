package open115

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ossContentType is the Content-Type every signed PUT sends; it is part of
// the string-to-sign, so the header and the signature must agree.
const ossContentType = "application/octet-stream"

// ossDateLayout is RFC 1123 with a literal GMT, the format OSS v1 signing
// requires in the Date header.
const ossDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// ossPutObject performs the OSS v1 signed PUT carrying the provider's
// callback headers. Returns the callback metadata, or nil when the object
// store answered success without a usable callback body.
func (c *Client) ossPutObject(
	ctx context.Context,
	creds *UploadCredentials,
	bucket, object, callback, callbackVar string,
	body []byte,
) (*OssCallbackData, error) {
	secret := creds.Secret()

	switch {
	case creds.Endpoint == "":
		return nil, &InternalError{Message: "get_token: missing endpoint"}
	case creds.AccessKeyID == "":
		return nil, &InternalError{Message: "get_token: missing AccessKeyId"}
	case secret == "":
		return nil, &InternalError{Message: "get_token: missing AccessKeySecret"}
	case creds.SecurityToken == "":
		return nil, &InternalError{Message: "get_token: missing SecurityToken"}
	}

	putURL, err := ossObjectURL(creds.Endpoint, bucket, object)
	if err != nil {
		return nil, err
	}

	date := c.nowFunc().UTC().Format(ossDateLayout)
	cbB64 := base64.StdEncoding.EncodeToString([]byte(callback))
	cbVarB64 := base64.StdEncoding.EncodeToString([]byte(callbackVar))

	ossHeaders := map[string]string{
		"x-oss-callback":       cbB64,
		"x-oss-callback-var":   cbVarB64,
		"x-oss-security-token": creds.SecurityToken,
	}

	authorization := "OSS " + creds.AccessKeyID + ":" +
		ossSign(secret, date, bucket, object, ossHeaders)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	req.Header.Set("Date", date)
	req.Header.Set("Content-Type", ossContentType)
	req.Header.Set("Authorization", authorization)
	req.Header.Set("x-oss-security-token", creds.SecurityToken)
	req.Header.Set("x-oss-callback", cbB64)
	req.Header.Set("x-oss-callback-var", cbVarB64)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &InternalError{Message: fmt.Sprintf(
			"OSS put failed: status=%d, body=%s", resp.StatusCode, string(respBody))}
	}

	if len(respBody) == 0 {
		return nil, nil
	}

	var cb ossCallbackResult
	if err := json.Unmarshal(respBody, &cb); err != nil {
		c.logger.Debug("OSS put response was not callback JSON",
			slog.Int("body_len", len(respBody)),
		)

		return nil, nil
	}

	if cb.State == StateTrue && cb.code(0) == 0 && cb.Data != nil &&
		cb.Data.FileID != "" && cb.Data.PickCode != "" {
		return cb.Data, nil
	}

	return nil, nil
}

// ossObjectURL builds the virtual-hosted PUT URL. Some regions reject
// path-style and require the bucket as a third-level domain; when the
// endpoint host already starts with the bucket name, the endpoint is used
// verbatim.
func ossObjectURL(endpoint, bucket, object string) (string, error) {
	endpoint = strings.TrimRight(endpoint, "/")

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", &InternalError{Message: fmt.Sprintf("invalid OSS endpoint URL %q: %v", endpoint, err)}
	}

	if u.Hostname() == "" {
		return "", &InternalError{Message: "OSS endpoint missing host: " + endpoint}
	}

	objectPath := strings.TrimLeft(object, "/")

	if strings.HasPrefix(u.Hostname(), bucket+".") {
		return endpoint + "/" + objectPath, nil
	}

	authority := bucket + "." + u.Hostname()
	if port := u.Port(); port != "" {
		authority += ":" + port
	}

	return u.Scheme + "://" + authority + "/" + objectPath, nil
}

// ossSign computes the OSS v1 HMAC-SHA1 signature. The canonical headers
// are the x-oss-* set sorted by lowercase name with trimmed values; the
// empty line after the verb is the absent Content-MD5.
func ossSign(secret, date, bucket, object string, ossHeaders map[string]string) string {
	names := make([]string, 0, len(ossHeaders))
	for name := range ossHeaders {
		names = append(names, strings.ToLower(name))
	}

	sort.Strings(names)

	var canonHeaders strings.Builder
	for _, name := range names {
		canonHeaders.WriteString(name)
		canonHeaders.WriteString(":")
		canonHeaders.WriteString(strings.TrimSpace(ossHeaders[name]))
		canonHeaders.WriteString("\n")
	}

	canonResource := "/" + bucket + "/" + strings.TrimLeft(object, "/")

	stringToSign := "PUT\n\n" + ossContentType + "\n" + date + "\n" +
		canonHeaders.String() + canonResource

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(stringToSign))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
