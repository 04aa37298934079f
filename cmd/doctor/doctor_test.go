package doctor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klytics/sheetkit/internal/config"
)

func TestPolicyCheck(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}

	cfg.Policy.Path = filepath.Join(dir, "missing.yaml")
	if c := policyCheck(cfg); c.Status != "warning" {
		t.Errorf("missing policy: status = %q, want warning", c.Status)
	}

	good := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(good, []byte(config.GeneratePolicyTemplate("Acme", "acme.example")), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Policy.Path = good
	c := policyCheck(cfg)
	if c.Status != "ok" || !strings.Contains(c.Message, "Acme") {
		t.Errorf("valid policy: got %+v", c)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("org_domain: acme.example\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Policy.Path = bad
	c = policyCheck(cfg)
	if c.Status != "error" || !strings.Contains(c.Message, "org_name") {
		t.Errorf("invalid policy: got %+v", c)
	}
}

func TestSMTPCheckNotConfigured(t *testing.T) {
	c := smtpCheck(&config.Config{}, false)
	if c.Status != "warning" {
		t.Errorf("status = %q, want warning", c.Status)
	}
}

func TestSMTPCheckOffline(t *testing.T) {
	cfg := &config.Config{}
	cfg.SMTP.Host = "mail.acme.example"
	cfg.SMTP.From = "sheetkit@acme.example"
	c := smtpCheck(cfg, false)
	if c.Status != "ok" || !strings.Contains(c.Message, "not dialed") {
		t.Errorf("got %+v", c)
	}
}

func TestKVCheck(t *testing.T) {
	cfg := &config.Config{}
	cfg.KV.InMemory = true
	if c := kvCheck(cfg); c.Status != "warning" {
		t.Errorf("in-memory: status = %q, want warning", c.Status)
	}

	cfg.KV.InMemory = false
	cfg.KV.Path = filepath.Join(t.TempDir(), "kv")
	if c := kvCheck(cfg); c.Status != "ok" {
		t.Errorf("persistent: got %+v", c)
	}
}

func TestPatchCheck(t *testing.T) {
	cfg := &config.Config{}
	if c := patchCheck(cfg); c.Status != "warning" {
		t.Errorf("no feed: status = %q", c.Status)
	}
	cfg.Patch.FeedURL = "https://updates.acme.example/feed.json"
	if c := patchCheck(cfg); c.Status != "ok" {
		t.Errorf("feed set: status = %q", c.Status)
	}
}
