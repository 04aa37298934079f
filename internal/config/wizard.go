package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// ConfigIssue represents a validation finding.
type ConfigIssue struct {
	Key      string `json:"key"`
	Severity string `json:"severity"` // "error", "warning", "info"
	Message  string `json:"message"`
	Fix      string `json:"fix"`
}

// Wizard runs the interactive setup wizard.
// If reader is nil, reads from os.Stdin.
func Wizard(reader io.Reader) error {
	if reader == nil {
		reader = os.Stdin
	}
	scanner := bufio.NewScanner(reader)

	fmt.Println("sheetkit setup")
	fmt.Println()
	fmt.Println(strings.Repeat("-", 48))
	fmt.Println()

	fmt.Println("Step 1/4: Server")
	fmt.Print("  Listen address (default: :8080): ")
	scanner.Scan()
	if addr := strings.TrimSpace(scanner.Text()); addr != "" {
		viper.Set("server.addr", addr)
	} else {
		viper.Set("server.addr", ":8080")
	}
	fmt.Println()

	fmt.Println("Step 2/4: Secrets")
	fmt.Print("  Generate a JWT signing secret and data encryption key? [Y/n]: ")
	scanner.Scan()
	choice := strings.TrimSpace(strings.ToLower(scanner.Text()))
	if choice == "" || choice == "y" || choice == "yes" {
		if err := GenerateSecrets(); err != nil {
			return err
		}
		fmt.Println("  Secrets generated")
	} else {
		fmt.Println("  Skipped")
	}
	fmt.Println()

	fmt.Println("Step 3/4: Incident email (optional)")
	fmt.Print("  Set up SMTP for incident notifications? [y/N]: ")
	scanner.Scan()
	smtpChoice := strings.TrimSpace(strings.ToLower(scanner.Text()))
	if smtpChoice == "y" || smtpChoice == "yes" {
		fmt.Print("  SMTP host: ")
		scanner.Scan()
		viper.Set("smtp.host", strings.TrimSpace(scanner.Text()))
		fmt.Print("  SMTP port (default: 587): ")
		scanner.Scan()
		port := strings.TrimSpace(scanner.Text())
		if port == "" {
			port = "587"
		}
		viper.Set("smtp.port", port)
		fmt.Print("  SMTP username: ")
		scanner.Scan()
		viper.Set("smtp.username", strings.TrimSpace(scanner.Text()))
		fmt.Print("  From address: ")
		scanner.Scan()
		viper.Set("smtp.from", strings.TrimSpace(scanner.Text()))
		fmt.Println("  SMTP configured")
	} else {
		fmt.Println("  Skipped")
	}
	fmt.Println()

	if err := SaveConfig(); err != nil {
		return fmt.Errorf("could not save config: %w", err)
	}

	fmt.Println("Step 4/4: Done!")
	fmt.Println(strings.Repeat("-", 48))
	fmt.Println()
	fmt.Println("Quick start:")
	fmt.Println("  sheetkit user create admin --email admin@example.com --admin")
	fmt.Println("  sheetkit serve")
	fmt.Println()
	fmt.Printf("Config file: %s\n", ConfigPath())
	fmt.Println("Type 'sheetkit config show' to see all settings.")

	return nil
}

// WizardNonInteractive writes defaults plus freshly generated secrets.
func WizardNonInteractive() error {
	viper.Set("server.addr", ":8080")
	viper.Set("output.color", true)
	viper.Set("output.format", "text")
	if err := GenerateSecrets(); err != nil {
		return err
	}
	return SaveConfig()
}

// GenerateSecrets sets random auth.jwt_secret and crypto.master_key values
// unless they are already configured.
func GenerateSecrets() error {
	for _, key := range []string{"auth.jwt_secret", "crypto.master_key"} {
		if viper.GetString(key) != "" {
			continue
		}
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("could not generate %s: %w", key, err)
		}
		viper.Set(key, hex.EncodeToString(buf))
	}
	return nil
}

// Validate checks config values and returns a list of issues.
func Validate() []ConfigIssue {
	var issues []ConfigIssue

	secret := viper.GetString("auth.jwt_secret")
	switch {
	case secret == "":
		issues = append(issues, ConfigIssue{
			Key:      "auth.jwt_secret",
			Severity: "error",
			Message:  "JWT signing secret is not set; the server cannot issue tokens",
			Fix:      "sheetkit config init\nOr: export SHEETKIT_AUTH_JWT_SECRET=<32+ random bytes>",
		})
	case len(secret) < 32:
		issues = append(issues, ConfigIssue{
			Key:      "auth.jwt_secret",
			Severity: "warning",
			Message:  fmt.Sprintf("JWT signing secret is only %d characters", len(secret)),
			Fix:      "use at least 32 characters",
		})
	default:
		issues = append(issues, ConfigIssue{
			Key:      "auth.jwt_secret",
			Severity: "info",
			Message:  "JWT signing secret configured",
		})
	}

	if viper.GetString("crypto.master_key") == "" {
		issues = append(issues, ConfigIssue{
			Key:      "crypto.master_key",
			Severity: "warning",
			Message:  "data encryption key is not set; classified cells will be masked instead of encrypted",
			Fix:      "sheetkit config set crypto.master_key <random hex>",
		})
	}

	if viper.GetString("smtp.host") == "" {
		issues = append(issues, ConfigIssue{
			Key:      "smtp.host",
			Severity: "warning",
			Message:  "SMTP host is not set; incident notifications are only logged",
			Fix:      "sheetkit config set smtp.host your-smtp-host",
		})
	}

	if viper.GetString("patch.feed_url") == "" {
		issues = append(issues, ConfigIssue{
			Key:      "patch.feed_url",
			Severity: "info",
			Message:  "no patch feed configured; sheetkit patch check is disabled",
		})
	}

	if p := viper.GetString("policy.path"); p != "" {
		if _, err := os.Stat(expandHome(p)); err != nil {
			issues = append(issues, ConfigIssue{
				Key:      "policy.path",
				Severity: "warning",
				Message:  fmt.Sprintf("security policy not found at %s; built-in defaults apply", p),
				Fix:      "sheetkit policy init --org-name <name> --domain <domain>",
			})
		}
	}

	if rps := viper.GetFloat64("rate.rps"); rps <= 0 {
		issues = append(issues, ConfigIssue{
			Key:      "rate.rps",
			Severity: "warning",
			Message:  "rate limiting is disabled",
		})
	}

	return issues
}

// ToEnv returns the configured values as a map of env var name -> value.
func ToEnv() map[string]string {
	env := make(map[string]string)
	for _, key := range []string{
		"server.addr", "db.path", "kv.path", "auth.jwt_secret", "auth.token_ttl",
		"crypto.master_key", "smtp.host", "smtp.port", "smtp.username", "smtp.from",
		"patch.feed_url", "policy.path",
	} {
		if v := viper.GetString(key); v != "" {
			env[EnvName(key)] = v
		}
	}
	return env
}

// EnvName maps a config key to its environment variable.
func EnvName(key string) string {
	return "SHEETKIT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Set sets a config value and saves to disk.
func Set(key, value string) error {
	viper.Set(key, value)
	return SaveConfig()
}

// Get retrieves a config value.
func Get(key string) string {
	return viper.GetString(key)
}

// ResetConfig deletes the config file and restores defaults.
func ResetConfig() error {
	path := ConfigPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("could not delete config: %w", err)
	}
	viper.Reset()
	setDefaults(configDir())
	return nil
}

// SaveConfig writes the current config to ~/.sheetkit/config.yaml.
func SaveConfig() error {
	dir := configDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	path := filepath.Join(dir, "config.yaml")
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("could not write config: %w", err)
	}

	// Secrets live in this file.
	_ = os.Chmod(path, 0600)
	return nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// ShowConfig returns a formatted string of the current configuration with secrets masked.
func ShowConfig() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Config: %s\n\n", ConfigPath()))

	sb.WriteString("Server\n")
	sb.WriteString(fmt.Sprintf("  addr:      %s\n", viper.GetString("server.addr")))
	sb.WriteString(fmt.Sprintf("  db:        %s\n", viper.GetString("db.path")))
	sb.WriteString(fmt.Sprintf("  kv:        %s\n", viper.GetString("kv.path")))
	sb.WriteString("\n")

	sb.WriteString("Security\n")
	sb.WriteString(fmt.Sprintf("  jwt:       %s\n", mask(viper.GetString("auth.jwt_secret"))))
	sb.WriteString(fmt.Sprintf("  token_ttl: %s\n", viper.GetString("auth.token_ttl")))
	sb.WriteString(fmt.Sprintf("  data key:  %s\n", mask(viper.GetString("crypto.master_key"))))
	sb.WriteString(fmt.Sprintf("  policy:    %s\n", viper.GetString("policy.path")))
	sb.WriteString("\n")

	if smtpHost := viper.GetString("smtp.host"); smtpHost != "" {
		sb.WriteString("Email (SMTP)\n")
		sb.WriteString(fmt.Sprintf("  host:      %s\n", smtpHost))
		sb.WriteString(fmt.Sprintf("  port:      %s\n", viper.GetString("smtp.port")))
		sb.WriteString(fmt.Sprintf("  username:  %s\n", viper.GetString("smtp.username")))
		sb.WriteString("\n")
	}

	if feed := viper.GetString("patch.feed_url"); feed != "" {
		sb.WriteString("Patches\n")
		sb.WriteString(fmt.Sprintf("  feed:      %s\n", feed))
		sb.WriteString("\n")
	}

	return sb.String()
}

func mask(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s[:min(4, len(s))] + "****"
}
