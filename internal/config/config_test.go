package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func setupTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	viper.Reset()
	t.Setenv("HOME", dir)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(filepath.Join(dir, ".sheetkit"))
	t.Cleanup(viper.Reset)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := setupTestConfig(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q", cfg.Server.Addr)
	}
	if cfg.Auth.TokenTTL != 24*time.Hour {
		t.Errorf("default token ttl = %v", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.MaxFailedLogins != 5 {
		t.Errorf("default max failed logins = %d", cfg.Auth.MaxFailedLogins)
	}
	if want := filepath.Join(dir, ".sheetkit", "sheetkit.db"); cfg.DB.Path != want {
		t.Errorf("db path = %q, want %q", cfg.DB.Path, want)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	setupTestConfig(t)
	t.Setenv("SHEETKIT_SERVER_ADDR", "127.0.0.1:9999")
	t.Setenv("SHEETKIT_AUTH_TOKEN_TTL", "1h")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Auth.TokenTTL != time.Hour {
		t.Errorf("token ttl = %v", cfg.Auth.TokenTTL)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := setupTestConfig(t)
	cfgDir := filepath.Join(dir, ".sheetkit")
	os.MkdirAll(cfgDir, 0700)
	os.WriteFile(filepath.Join(cfgDir, "config.yaml"), []byte("rate:\n  rps: 3.5\n  burst: 7\ndb:\n  path: ~/data/sk.db\n"), 0600)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Rate.RPS != 3.5 || cfg.Rate.Burst != 7 {
		t.Errorf("rate = %+v", cfg.Rate)
	}
	if cfg.DB.Path != filepath.Join(dir, "data", "sk.db") {
		t.Errorf("db path not expanded: %q", cfg.DB.Path)
	}
}

func TestValidateMissingSecret(t *testing.T) {
	setupTestConfig(t)
	viper.Set("auth.jwt_secret", "")

	issues := Validate()
	hasError := false
	for _, issue := range issues {
		if issue.Severity == "error" && issue.Key == "auth.jwt_secret" {
			hasError = true
		}
	}
	if !hasError {
		t.Error("expected error about missing JWT secret")
	}
}

func TestValidateSMTPWarning(t *testing.T) {
	setupTestConfig(t)
	viper.Set("smtp.host", "")

	issues := Validate()
	hasWarning := false
	for _, issue := range issues {
		if issue.Severity == "warning" && strings.Contains(issue.Message, "SMTP") {
			hasWarning = true
		}
	}
	if !hasWarning {
		t.Error("expected SMTP warning")
	}
}

func TestGenerateSecretsKeepsExisting(t *testing.T) {
	setupTestConfig(t)
	viper.Set("auth.jwt_secret", "keep-me")
	if err := GenerateSecrets(); err != nil {
		t.Fatal(err)
	}
	if viper.GetString("auth.jwt_secret") != "keep-me" {
		t.Error("existing secret was overwritten")
	}
	if len(viper.GetString("crypto.master_key")) != 64 {
		t.Errorf("master key = %q, want 64 hex chars", viper.GetString("crypto.master_key"))
	}
}

func TestToEnv(t *testing.T) {
	setupTestConfig(t)
	viper.Set("server.addr", ":9000")
	viper.Set("smtp.host", "smtp.example.com")

	env := ToEnv()
	if env["SHEETKIT_SERVER_ADDR"] != ":9000" {
		t.Errorf("SHEETKIT_SERVER_ADDR = %q", env["SHEETKIT_SERVER_ADDR"])
	}
	if env["SHEETKIT_SMTP_HOST"] != "smtp.example.com" {
		t.Errorf("SHEETKIT_SMTP_HOST = %q", env["SHEETKIT_SMTP_HOST"])
	}
}

func TestSetAndGet(t *testing.T) {
	dir := setupTestConfig(t)
	os.MkdirAll(filepath.Join(dir, ".sheetkit"), 0700)

	if err := Set("server.addr", ":7070"); err != nil {
		t.Fatal(err)
	}
	if got := Get("server.addr"); got != ":7070" {
		t.Errorf("Get(server.addr) = %q", got)
	}
	if _, err := os.Stat(ConfigPath()); err != nil {
		t.Errorf("config file not written: %v", err)
	}
}

func TestShowConfigMasksSecrets(t *testing.T) {
	setupTestConfig(t)
	viper.Set("auth.jwt_secret", "supersecretvalue")

	out := ShowConfig()
	if strings.Contains(out, "supersecretvalue") {
		t.Error("ShowConfig leaked the JWT secret")
	}
	if !strings.Contains(out, "supe****") {
		t.Errorf("ShowConfig should show masked secret:\n%s", out)
	}
}

func TestWizardNonInteractive(t *testing.T) {
	setupTestConfig(t)
	if err := WizardNonInteractive(); err != nil {
		t.Fatal(err)
	}
	if viper.GetString("auth.jwt_secret") == "" {
		t.Error("wizard should generate a JWT secret")
	}
}

func TestWizardInteractive(t *testing.T) {
	setupTestConfig(t)
	// default addr, skip secrets, skip SMTP
	input := strings.NewReader("\nn\nn\n")
	if err := Wizard(input); err != nil {
		t.Fatal(err)
	}
	if viper.GetString("server.addr") != ":8080" {
		t.Errorf("addr = %q", viper.GetString("server.addr"))
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.Contains(path, ".sheetkit") || !strings.Contains(path, "config.yaml") {
		t.Errorf("unexpected path: %q", path)
	}
}

func TestResetConfig(t *testing.T) {
	setupTestConfig(t)
	viper.Set("server.addr", ":1")
	SaveConfig()

	if err := ResetConfig(); err != nil {
		t.Fatal(err)
	}
	if viper.GetString("server.addr") != ":8080" {
		t.Errorf("addr should reset to default, got %q", viper.GetString("server.addr"))
	}
}
