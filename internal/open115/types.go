package open115

import (
	"bytes"
	"encoding/json"
	"strings"
)

// State is the provider's tri-state success flag. The wire value may be a
// boolean, an integer 0/1, or the strings "true"/"false"/"0"/"1" in either
// case; anything unrecognised normalises to unknown.
type State int

// State values.
const (
	StateUnknown State = iota
	StateTrue
	StateFalse
)

// UnmarshalJSON normalises every observed wire shape of the state flag.
func (s *State) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = StateUnknown
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*s = fromBool(b)
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*s = fromBool(n != 0)
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		switch strings.ToLower(strings.TrimSpace(str)) {
		case "1", "true":
			*s = StateTrue
		case "0", "false":
			*s = StateFalse
		default:
			*s = StateUnknown
		}

		return nil
	}

	// Arrays/objects in the state slot: normalise to unknown rather than
	// failing the whole envelope.
	*s = StateUnknown

	return nil
}

func fromBool(b bool) State {
	if b {
		return StateTrue
	}

	return StateFalse
}

// envelope is the wrapper every provider JSON response shares.
type envelope struct {
	State   State  `json:"state"`
	Code    *int64 `json:"code"`
	Message string `json:"message"`
	Errno   *int64 `json:"errno"`
	Error   string `json:"error"`
}

// code returns the application code, or def when absent.
func (e *envelope) code(def int64) int64 {
	if e.Code == nil {
		return def
	}

	return *e.Code
}

// isError treats any explicit false state and any non-zero code as an
// application error. Unknown state with code zero is success: the provider
// omits state on some endpoints.
func (e *envelope) isError() bool {
	return e.State == StateFalse || e.code(0) != 0
}

// apiError builds the APIError for a failed envelope.
func (e *envelope) apiError() *APIError {
	return &APIError{Code: e.code(-1), Message: e.Message}
}

// refreshResponse is the wrapper returned by the passport refresh endpoint.
type refreshResponse struct {
	envelope
	Data *refreshData `json:"data"`
}

type refreshData struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// fileListResponse is one page of /open/ufile/files.
type fileListResponse struct {
	envelope
	Data  []fileEntry `json:"data"`
	Count *int64      `json:"count"`
}

// fileEntry is one entry of a directory listing. file_category "0" denotes
// a directory.
type fileEntry struct {
	FileID   string `json:"fid"`
	ParentID string `json:"pid"`
	Category string `json:"fc"`
	Name     string `json:"fn"`
	Size     int64  `json:"fs"`
	PickCode string `json:"pc"`
	SHA1     string `json:"sha1"`
}

func (e *fileEntry) isDir() bool {
	return e.Category == "0"
}

// mkdirResponse is the wrapper for /open/folder/add.
type mkdirResponse struct {
	envelope
	Data *mkdirData `json:"data"`
}

type mkdirData struct {
	FileName string `json:"file_name"`
	FileID   string `json:"file_id"`
}

// boolResponse is the generic wrapper for endpoints whose data we ignore.
type boolResponse struct {
	envelope
	Data json.RawMessage `json:"data"`
}

// rawDataResponse keeps data opaque; upload init and downurl payloads are
// not stable across the provider's docs and SDKs.
type rawDataResponse struct {
	envelope
	Data json.RawMessage `json:"data"`
}

// UploadCredentials are the short-lived OSS signing credentials from
// /open/upload/get_token. The endpoint may lack a scheme; AccessKeySecrett
// is a known typo variant some deployments emit.
type UploadCredentials struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"AccessKeyId"`
	AccessKeySecret string `json:"AccessKeySecret"`
	SecretTypo      string `json:"AccessKeySecrett"`
	SecurityToken   string `json:"SecurityToken"`
	Expiration      string `json:"Expiration"`
}

// Secret returns the signing secret, tolerating the typo variant.
func (c *UploadCredentials) Secret() string {
	if c.AccessKeySecret != "" {
		return c.AccessKeySecret
	}

	return c.SecretTypo
}

// ossCallbackResult is the JSON body OSS relays back after a PUT with
// callback headers.
type ossCallbackResult struct {
	envelope
	Data *OssCallbackData `json:"data"`
}

// OssCallbackData is the file metadata minted by the provider when the
// upload callback fires.
type OssCallbackData struct {
	PickCode string `json:"pick_code"`
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	FileID   string `json:"file_id"`
	SHA1     string `json:"sha1"`
	CID      string `json:"cid"`
}
