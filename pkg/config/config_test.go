package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `server_url: http://localhost:8080
distributions:
  lede:
    imagebuilder_url: https://downloads.lede-project.org/releases
    latest: "17.01.4"
  libremesh:
    imagebuilder_url: https://downloads.lede-project.org/releases
    latest: "17.06"
    imagebuilder_release: "17.01.4"
download_dir: /var/lib/update-server/downloads
temp_dir: /tmp/update-server
imagebuilder_dir: /var/lib/update-server/imagebuilder
sign_images: true
build_timeout: 30m
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.BuildTimeout.Duration != 30*time.Minute {
		t.Errorf("expected build timeout 30m, got %s", cfg.BuildTimeout.Duration)
	}
	if cfg.ProvisionTimeout.Duration != 30*time.Minute {
		t.Errorf("expected default provision timeout, got %s", cfg.ProvisionTimeout.Duration)
	}
	if cfg.HeartbeatInterval.Duration != 5*time.Second {
		t.Errorf("expected default heartbeat interval, got %s", cfg.HeartbeatInterval.Duration)
	}
	if cfg.PackageSyncMaxAge.Duration != 24*time.Hour {
		t.Errorf("expected default package sync max age, got %s", cfg.PackageSyncMaxAge.Duration)
	}
	distro, ok := cfg.Distro("libremesh")
	if !ok {
		t.Fatal("expected libremesh to be configured")
	}
	if distro.ImagebuilderRelease != "17.01.4" {
		t.Errorf("expected imagebuilder release override, got %q", distro.ImagebuilderRelease)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name        string
		mutate      func(string) string
		expectedErr string
	}{
		{
			name:        "missing default distro",
			mutate:      func(c string) string { return strings.Replace(c, "  lede:", "  other:", 1) },
			expectedErr: "default distribution",
		},
		{
			name:        "missing download dir",
			mutate:      func(c string) string { return strings.Replace(c, "download_dir: /var/lib/update-server/downloads\n", "", 1) },
			expectedErr: "download_dir is required",
		},
		{
			name:        "missing latest",
			mutate:      func(c string) string { return strings.Replace(c, "    latest: \"17.01.4\"\n", "", 1) },
			expectedErr: "latest is required",
		},
		{
			name:        "bad duration",
			mutate:      func(c string) string { return strings.Replace(c, "30m", "soon", 1) },
			expectedErr: "invalid duration",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.mutate(validConfig)))
			if err == nil {
				t.Fatal("expected error, got none")
			}
			if !strings.Contains(err.Error(), tc.expectedErr) {
				t.Errorf("expected error containing %q, got %v", tc.expectedErr, err)
			}
		})
	}
}
