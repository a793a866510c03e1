// Package interfaces defines the abstractions between the HTTP layer and the
// decryption services, so handlers can be tested with fakes.
package interfaces

import (
	"context"
	"net/http"

	"mp4decrypt-go/pkg/types"
)

// Decrypter runs one decryption and blocks until it is done.
type Decrypter interface {
	// Decrypt returns the decrypted copy of req.Input. req.Input is never
	// modified.
	Decrypt(ctx context.Context, req *types.DecryptRequest) ([]byte, error)

	// Stats returns the current worker pool counters.
	Stats() types.DecryptStats
}

// Fetcher downloads an encrypted input.
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers map[string]string) ([]byte, error)
}

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}
