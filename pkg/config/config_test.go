package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "BASE_URL", "MAX_INPUT_SIZE", "DECRYPT_WORKERS", "FETCH_TIMEOUT", "GLOBAL_PROXIES", "GLOBAL_PROXY"} {
		t.Setenv(k, "")
	}

	cfg := FromEnv()
	if cfg.Port != 7860 {
		t.Errorf("Port = %d, want 7860", cfg.Port)
	}
	if cfg.BaseURL != "http://localhost:7860" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.MaxInputSize != DefaultMaxInputSize {
		t.Errorf("MaxInputSize = %d, want %d", cfg.MaxInputSize, DefaultMaxInputSize)
	}
	if cfg.DecryptWorkers < 1 {
		t.Errorf("DecryptWorkers = %d, want at least 1", cfg.DecryptWorkers)
	}
	if cfg.FetchTimeout != 60*time.Second {
		t.Errorf("FetchTimeout = %v", cfg.FetchTimeout)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("MAX_INPUT_SIZE", "64MiB")
	t.Setenv("DECRYPT_WORKERS", "0")
	t.Setenv("FETCH_TIMEOUT", "15")
	t.Setenv("UTLS_DOMAINS", "example.com, cdn.test ,")
	t.Setenv("GLOBAL_PROXIES", "")
	t.Setenv("GLOBAL_PROXY", "socks5://127.0.0.1:1080")

	cfg := FromEnv()
	if cfg.Port != 9000 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.MaxInputSize != 64<<20 {
		t.Errorf("MaxInputSize = %d, want %d", cfg.MaxInputSize, 64<<20)
	}
	if cfg.DecryptWorkers != 1 {
		t.Errorf("DecryptWorkers = %d, want 1", cfg.DecryptWorkers)
	}
	if cfg.FetchTimeout != 15*time.Second {
		t.Errorf("FetchTimeout = %v", cfg.FetchTimeout)
	}
	if len(cfg.UTLSDomains) != 2 || cfg.UTLSDomains[1] != "cdn.test" {
		t.Errorf("UTLSDomains = %v", cfg.UTLSDomains)
	}
	if len(cfg.GlobalProxies) != 1 || cfg.GlobalProxies[0] != "socks5://127.0.0.1:1080" {
		t.Errorf("GlobalProxies = %v", cfg.GlobalProxies)
	}
}

func TestParseTransportRoutes(t *testing.T) {
	routes := parseTransportRoutes("{URL=cdn.example, PROXY=http://p:8080, DISABLE_SSL=true}, {URL=direct.example, DIRECT=true}")
	if len(routes) != 2 {
		t.Fatalf("got %d routes, want 2", len(routes))
	}
	if routes[0].URLPattern != "cdn.example" || routes[0].Proxy != "http://p:8080" || !routes[0].DisableSSL {
		t.Errorf("route 0 = %+v", routes[0])
	}
	if routes[1].URLPattern != "direct.example" || !routes[1].Direct {
		t.Errorf("route 1 = %+v", routes[1])
	}
	if got := parseTransportRoutes("  "); got != nil {
		t.Errorf("empty input gave %v", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("LOG_LEVEL=debug\nAPI_PASSWORD=secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("API_PASSWORD", "")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("API_PASSWORD")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.APIPassword != "secret" {
		t.Errorf("LogLevel = %q, APIPassword = %q", cfg.LogLevel, cfg.APIPassword)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("LoadFile() of a missing file should fail")
	}
}
