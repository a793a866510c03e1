package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestFromContext(t *testing.T) {
	fallback := Discard()
	if got := FromContext(context.Background(), fallback); got != fallback {
		t.Error("FromContext() without a logger should return the fallback")
	}

	l := Discard().WithComponent("api")
	ctx := l.WithContext(context.Background())
	if got := FromContext(ctx, fallback); got != l {
		t.Error("FromContext() did not return the attached logger")
	}
}

func TestAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := New("debug", true, &buf)

	l.WithTrack(2).WithSize("size", 3<<20).WithURL("https://cdn.example.com/a.mp4").Debug("planned")
	l.RequestLogger("POST", "/decrypt", "10.0.0.1:1234", "abc").Info("request")

	out := buf.String()
	for _, want := range []string{
		`"track_id":2`,
		`"size":"3.0 MiB"`,
		`"url":"https://cdn.example.com/a.mp4"`,
		`"request_id":"abc"`,
		`"remote_addr":"10.0.0.1:1234"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %s:\n%s", want, out)
		}
	}
}

func TestLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", false, &buf)
	l.Info("hidden")
	l.LogMemStats()
	if buf.Len() != 0 {
		t.Errorf("info and debug records written at warn level: %q", buf.String())
	}
	l.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn record missing: %q", buf.String())
	}
}
