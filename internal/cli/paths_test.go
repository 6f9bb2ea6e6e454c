package cli

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCacheDirRespectsXDG(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/tmp/custom-cache")

	dir, err := cacheDir()
	if err != nil {
		t.Fatalf("cacheDir: %v", err)
	}
	want := filepath.Join("/tmp/custom-cache", appName)
	if dir != want {
		t.Errorf("cacheDir = %q, want %q", dir, want)
	}
}

func TestCacheDirFallsBackToHome(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "")
	t.Setenv("HOME", "/home/tester")

	dir, err := cacheDir()
	if err != nil {
		t.Fatalf("cacheDir: %v", err)
	}
	if !strings.HasSuffix(dir, filepath.Join(".cache", appName)) {
		t.Errorf("cacheDir = %q, want .cache/%s suffix", dir, appName)
	}
}
