package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mp4decrypt-go/pkg/logging"
)

func TestLoggingAttachesRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New("debug", true, &buf)

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLog := logging.FromContext(r.Context(), nil)
		if reqLog == nil {
			t.Fatal("request context carries no logger")
		}
		reqLog.Info("inside handler")
	}), RequestID, Logging(log))

	req := httptest.NewRequest(http.MethodPost, "/decrypt", nil)
	req.Header.Set("X-Request-ID", "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "inside handler") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("handler log line missing from %q", buf.String())
	}
	for _, want := range []string{`"request_id":"req-42"`, `"path":"/decrypt"`, `"method":"POST"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %s lacks %s", line, want)
		}
	}
}

func TestIsPublicEndpoint(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"/info", true},
		{"/api/info", true},
		{"/favicon.ico", true},
		{"/decrypt", false},
		{"/license", false},
	}
	for _, tt := range tests {
		if got := isPublicEndpoint(tt.path); got != tt.want {
			t.Errorf("isPublicEndpoint(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
