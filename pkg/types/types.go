// Package types defines core domain types used throughout the application.
package types

// Supported protection schemes, as reported by the info endpoints.
var SupportedSchemes = []string{"cenc", "cens", "cbc1", "cbcs"}

// KeySource identifies where the keys of a decrypt request came from.
type KeySource string

const (
	KeySourceClearKey KeySource = "clearkey"
	KeySourceLists    KeySource = "key_id"
	KeySourceLicense  KeySource = "license"
)

// DecryptRequest is one decryption to perform.
type DecryptRequest struct {
	Input     []byte
	Keys      map[string]string // hex key id -> hex key
	KeySource KeySource
	SourceURL string // set when Input was fetched
	Headers   map[string]string
}

// DecryptStats are the counters of the decrypt worker pool.
type DecryptStats struct {
	Workers   int    `json:"workers"`
	Active    int64  `json:"active"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	BytesOut  uint64 `json:"bytes_out"`
}

// ServiceInfo is the body of the info endpoints.
type ServiceInfo struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Status       string       `json:"status"`
	Schemes      []string     `json:"schemes"`
	MaxInputSize string       `json:"max_input_size"`
	Decrypt      DecryptStats `json:"decrypt"`
}

// ErrorResponse is the JSON body of a failed API call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	KeyID   string `json:"key_id,omitempty"`
	TrackID uint32 `json:"track_id,omitempty"`
	Offset  *int64 `json:"offset,omitempty"`
}
