package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8180
auth:
  token: secret
database:
  path: data/gw.db
credentials:
  file: creds.txt
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8180 || cfg.Auth.Token != "secret" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Upstream.BaseURL != "https://grok.com" {
		t.Errorf("base_url default = %q", cfg.Upstream.BaseURL)
	}
	if cfg.Upstream.AssetBaseURL != "https://assets.grok.com" {
		t.Errorf("asset_base_url default = %q", cfg.Upstream.AssetBaseURL)
	}
}

func TestLoadRejectsMissingToken(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8180
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "auth.token") {
		t.Errorf("err = %v, want auth.token validation failure", err)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 99999
auth:
  token: secret
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "server.port") {
		t.Errorf("err = %v, want port validation failure", err)
	}
}

func TestLoadRejectsRelativeUpstreamURL(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8180
auth:
  token: secret
upstream:
  base_url: grok.com
`)
	if _, err := Load(path); err == nil {
		t.Error("want error for non-absolute upstream URL")
	}
}
