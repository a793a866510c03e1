package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mp4decrypt-go/pkg/bmff"
)

const (
	testKID = "00112233445566778899aabbccddeeff"
	testKey = "ffeeddccbbaa99887766554433221100"
)

func TestLoadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	content := "00112233-4455-6677-8899-aabbccddeeff: " + testKey + "\n" +
		"\"12345678901234567890123456789012\": \"00000000000000000000000000000001\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	pairs, err := loadKeyFile(path)
	if err != nil {
		t.Fatalf("loadKeyFile() error = %v", err)
	}
	if pairs[testKID] != testKey {
		t.Errorf("pairs[%s] = %q", testKID, pairs[testKID])
	}
	if len(pairs) != 2 {
		t.Errorf("got %d pairs, want 2", len(pairs))
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("- not a map\n"), 0o600)
	if _, err := loadKeyFile(bad); err == nil {
		t.Error("expected an error for a YAML list")
	}
}

func TestCollectKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	os.WriteFile(path, []byte(testKID+": 00000000000000000000000000000000\n"), 0o600)

	opts := &options{keyFile: path, keys: keyFlags{testKID + ":" + testKey}}
	pairs, err := collectKeys(opts)
	if err != nil {
		t.Fatalf("collectKeys() error = %v", err)
	}
	if pairs[testKID] != testKey {
		t.Errorf("-key should override the key file, got %q", pairs[testKID])
	}

	if _, err := collectKeys(&options{}); err == nil {
		t.Error("expected an error without keys")
	}
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-key", testKID + ":" + testKey, "-key", "a:b", "-workers", "3", "in.mp4", "out.mp4"}, io.Discard)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if len(opts.keys) != 2 || opts.workers != 3 || len(opts.files) != 2 {
		t.Errorf("opts = %+v", opts)
	}

	if _, err := parseFlags([]string{"-key", testKID + ":" + testKey, "in.mp4"}, io.Discard); err == nil {
		t.Error("expected an error for an unpaired input")
	}
}

func TestRunClearFile(t *testing.T) {
	dir := t.TempDir()
	w := bmff.NewWriter(nil)
	w.StartBox(bmff.TypeFtyp)
	w.PutBytes([]byte("isom"))
	w.PutUint32(0)
	w.EndBox()
	input := w.Bytes()

	in := filepath.Join(dir, "in.mp4")
	out := filepath.Join(dir, "out.mp4")
	if err := os.WriteFile(in, input, 0o600); err != nil {
		t.Fatal(err)
	}

	var stdout bytes.Buffer
	err := run(context.Background(), []string{"-key", testKID + ":" + testKey, in, out}, &stdout, io.Discard)
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, input) {
		t.Error("clear input was not copied unchanged")
	}
	if !strings.Contains(stdout.String(), "decrypted 1 file(s)") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestRunBadKey(t *testing.T) {
	err := run(context.Background(), []string{"-key", "zz:yy", "a.mp4", "b.mp4"}, io.Discard, io.Discard)
	if err == nil {
		t.Fatal("expected an error for a bad key")
	}
}
