// Package api provides HTTP handlers for the decryption API.
package api

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"mp4decrypt-go/pkg/appctx"
	"mp4decrypt-go/pkg/crypto"
	"mp4decrypt-go/pkg/httpclient"
	"mp4decrypt-go/pkg/logging"
	"mp4decrypt-go/pkg/types"
)

const version = "1.0.0"

// LicenseHeader carries a ClearKey JSON license as an alternative key source.
const LicenseHeader = "X-ClearKey-License"

// Handlers contains all API handlers.
type Handlers struct {
	ctx *appctx.Context
	log *logging.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(ctx *appctx.Context) *Handlers {
	return &Handlers{
		ctx: ctx,
		log: ctx.Log.WithComponent("api"),
	}
}

// RegisterRoutes registers all API routes.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	// Public routes
	mux.HandleFunc("GET /{$}", h.handleIndex)
	mux.HandleFunc("GET /info", h.handleInfo)
	mux.HandleFunc("GET /api/info", h.handleAPIInfo)
	mux.HandleFunc("GET /favicon.ico", h.handleFavicon)

	// Decryption
	mux.HandleFunc("POST /decrypt", h.handleDecryptBody)
	mux.HandleFunc("GET /decrypt", h.handleDecryptURL)

	// ClearKey license for a set of KID:KEY pairs
	mux.HandleFunc("GET /license", h.handleLicense)
}

// handleIndex serves a short usage page.
func (h *Handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>mp4decrypt</title></head>
<body>
    <h1>mp4decrypt</h1>
    <p>Decrypts CENC (cenc, cens) and CBCS (cbcs, cbc1) protected MP4 files.</p>
    <ul>
        <li><code>POST /decrypt?clearkey=KID:KEY</code> with the file as body</li>
        <li><code>GET /decrypt?url=...&amp;key_id=...&amp;key=...</code></li>
        <li><code>GET /license?clearkey=KID:KEY</code></li>
        <li><a href="/api/info">/api/info</a></li>
    </ul>
    <footer>Version %s</footer>
</body>
</html>`, version)
}

// handleInfo serves the info page.
func (h *Handlers) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := h.serviceInfo()
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>mp4decrypt - Info</title></head>
<body>
    <h1>mp4decrypt - Server Info</h1>
    <p>Version: %s</p>
    <p>Schemes: %s</p>
    <p>Max input size: %s</p>
    <p>Workers: %d, active: %d, completed: %d, failed: %d</p>
</body>
</html>`, info.Version, strings.Join(info.Schemes, ", "), info.MaxInputSize,
		info.Decrypt.Workers, info.Decrypt.Active, info.Decrypt.Completed, info.Decrypt.Failed)
}

// handleAPIInfo returns server status as JSON.
func (h *Handlers) handleAPIInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.serviceInfo())
}

func (h *Handlers) serviceInfo() types.ServiceInfo {
	info := types.ServiceInfo{
		Name:         "mp4decrypt",
		Version:      version,
		Status:       "running",
		Schemes:      types.SupportedSchemes,
		MaxInputSize: humanize.IBytes(uint64(h.maxInputSize())),
	}
	if h.ctx.Decrypter != nil {
		info.Decrypt = h.ctx.Decrypter.Stats()
	}
	return info
}

// handleFavicon serves the favicon.
func (h *Handlers) handleFavicon(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

// handleDecryptBody decrypts the request body.
func (h *Handlers) handleDecryptBody(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseDecryptRequest(r)
	if err != nil {
		h.writeDecryptError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxInputSize()))
	if err != nil {
		h.writeDecryptError(w, r, err)
		return
	}
	req.Input = body
	h.decrypt(w, r, req)
}

// handleDecryptURL fetches ?url= and decrypts it. Upstream request headers
// are passed as h_ query parameters.
func (h *Handlers) handleDecryptURL(w http.ResponseWriter, r *http.Request) {
	req, err := h.parseDecryptRequest(r)
	if err != nil {
		h.writeDecryptError(w, r, err)
		return
	}
	if req.SourceURL == "" {
		h.writeError(w, http.StatusBadRequest, "url parameter required")
		return
	}
	if h.ctx.Fetcher == nil {
		h.writeError(w, http.StatusNotImplemented, "remote inputs are disabled")
		return
	}

	start := time.Now()
	body, err := h.ctx.Fetcher.Fetch(r.Context(), req.SourceURL, req.Headers)
	if err != nil {
		h.writeDecryptError(w, r, err)
		return
	}
	h.requestLog(r).WithURL(req.SourceURL).WithDuration(time.Since(start)).WithSize("size", len(body)).Debug("input fetched")
	req.Input = body
	h.decrypt(w, r, req)
}

func (h *Handlers) decrypt(w http.ResponseWriter, r *http.Request, req *types.DecryptRequest) {
	if h.ctx.Decrypter == nil {
		h.writeError(w, http.StatusServiceUnavailable, "decrypt service not configured")
		return
	}

	start := time.Now()
	out, err := h.ctx.Decrypter.Decrypt(r.Context(), req)
	if err != nil {
		h.writeDecryptError(w, r, err)
		return
	}

	h.requestLog(r).WithDuration(time.Since(start)).WithSize("size", len(out)).Info("decrypted",
		"key_source", req.KeySource,
		"keys", len(req.Keys),
	)
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// handleLicense returns a ClearKey license for ?clearkey=KID:KEY pairs. The
// result can be sent back as the X-ClearKey-License header.
func (h *Handlers) handleLicense(w http.ResponseWriter, r *http.Request) {
	clearKey := r.URL.Query().Get("clearkey")
	if clearKey == "" {
		h.writeError(w, http.StatusBadRequest, "clearkey parameter required")
		return
	}
	pairs, err := crypto.ParseKeyPairs(clearKey)
	if err == nil {
		_, err = crypto.NewKeyMap(pairs)
	}
	if err != nil {
		h.writeDecryptError(w, r, err)
		return
	}

	type jwk struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		K   string `json:"k"`
	}
	keys := make([]jwk, 0, len(pairs))
	for kid, key := range pairs {
		keys = append(keys, jwk{Kty: "oct", Kid: hexToBase64URL(kid), K: hexToBase64URL(key)})
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"keys": keys,
		"type": "temporary",
	})
}

// Helper methods

// parseDecryptRequest reads the keys and source of a decrypt call. Keys come
// from clearkey=KID:KEY,..., from key_id= and key= lists, or from a ClearKey
// license header, in that order of precedence.
func (h *Handlers) parseDecryptRequest(r *http.Request) (*types.DecryptRequest, error) {
	q := r.URL.Query()
	req := &types.DecryptRequest{
		SourceURL: q.Get("url"),
		Headers:   httpclient.ParseHeaderParams(q),
	}

	var err error
	switch {
	case q.Get("clearkey") != "":
		req.KeySource = types.KeySourceClearKey
		req.Keys, err = crypto.ParseKeyPairs(q.Get("clearkey"))
	case q.Get("key_id") != "" || q.Get("key") != "":
		req.KeySource = types.KeySourceLists
		req.Keys, err = crypto.ParseKeyLists(q.Get("key_id"), q.Get("key"))
	case r.Header.Get(LicenseHeader) != "":
		req.KeySource = types.KeySourceLicense
		req.Keys, err = crypto.ParseClearKeyLicense([]byte(r.Header.Get(LicenseHeader)))
	default:
		err = &crypto.Error{Kind: crypto.ErrInvalidKeyHex, Offset: -1, Detail: "no keys: use clearkey, key_id and key, or " + LicenseHeader}
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// requestLog returns the logger the request carries, which is tagged with
// its request ID, or the handler logger when there is none.
func (h *Handlers) requestLog(r *http.Request) *logging.Logger {
	return logging.FromContext(r.Context(), h.log)
}

func (h *Handlers) maxInputSize() int64 {
	if h.ctx.Config != nil && h.ctx.Config.MaxInputSize > 0 {
		return h.ctx.Config.MaxInputSize
	}
	return 512 << 20
}

// statusFor maps a decrypt or fetch failure to an HTTP status.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	var upstream *httpclient.StatusError
	switch {
	case errors.As(err, &maxErr), errors.Is(err, httpclient.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, crypto.ErrMissingKey), errors.Is(err, crypto.ErrUnsupportedScheme):
		return http.StatusUnprocessableEntity
	case errors.Is(err, crypto.ErrInvalidKeyHex),
		errors.Is(err, crypto.ErrTruncatedInput),
		errors.Is(err, crypto.ErrInvalidBoxHeader),
		errors.Is(err, crypto.ErrMalformedAuxInfo),
		errors.Is(err, crypto.ErrUnalignedCipherBlock):
		return http.StatusBadRequest
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (h *Handlers) writeDecryptError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := types.ErrorResponse{Error: err.Error()}

	var de *crypto.Error
	if errors.As(err, &de) {
		resp.Kind = de.Kind.Error()
		resp.KeyID = de.KeyID
		resp.TrackID = de.TrackID
		if de.Offset >= 0 {
			off := de.Offset
			resp.Offset = &off
		}
	}

	log := h.requestLog(r).WithError(err).With("status", status)
	if status >= 500 {
		log.Error("decrypt request failed")
	} else {
		log.Warn("decrypt request rejected")
	}
	h.writeJSON(w, status, resp)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, types.ErrorResponse{Error: message})
}

func hexToBase64URL(s string) string {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return s
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}
