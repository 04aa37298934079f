package config

import (
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the organization-wide security policy: who gets incident mail,
// which extra data patterns count as sensitive, and which DLP rules apply.
// Read from /etc/sheetkit/policy.yaml (macOS/Linux) or
// C:\ProgramData\Sheetkit\policy.yaml (Windows).
type Policy struct {
	OrgName      string   `yaml:"org_name" json:"org_name"`
	OrgDomain    string   `yaml:"org_domain" json:"org_domain"`
	IncidentTeam []string `yaml:"incident_team" json:"incident_team"`

	Classification struct {
		Patterns []PatternSpec `yaml:"patterns" json:"patterns"`
	} `yaml:"classification" json:"classification"`

	DLP struct {
		DisableDefaults bool            `yaml:"disable_defaults" json:"disable_defaults"`
		Policies        []DLPPolicySpec `yaml:"policies" json:"policies"`
	} `yaml:"dlp" json:"dlp"`

	Audit struct {
		RetentionDays int `yaml:"retention_days" json:"retention_days"`
	} `yaml:"audit" json:"audit"`

	AllowedCommands []string `yaml:"allowed_commands" json:"allowed_commands"`
}

// PatternSpec declares a custom classification pattern.
type PatternSpec struct {
	Name       string `yaml:"name" json:"name"`
	Regex      string `yaml:"regex" json:"regex"`
	Protection string `yaml:"protection" json:"protection"` // encrypt | mask | none
}

// DLPPolicySpec declares a DLP policy.
type DLPPolicySpec struct {
	Name            string   `yaml:"name" json:"name"`
	Classifications []string `yaml:"classifications" json:"classifications"`
	Action          string   `yaml:"action" json:"action"` // audit | warn | block
	MinMatches      int      `yaml:"min_matches" json:"min_matches"`
}

// PolicyPath returns the platform-specific path for the security policy.
func PolicyPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "Sheetkit", "policy.yaml")
	}
	return "/etc/sheetkit/policy.yaml"
}

// LoadPolicy reads the policy at the default path. Returns nil (not error) if the file does not exist.
func LoadPolicy() (*Policy, error) {
	return LoadPolicyFrom(PolicyPath())
}

// LoadPolicyFrom reads the policy from a specific path.
func LoadPolicyFrom(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read security policy at %s: %w", path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid security policy at %s: %w", path, err)
	}

	return &p, nil
}

// ValidatePolicy checks that a policy is internally consistent.
func ValidatePolicy(p *Policy) []string {
	var issues []string
	if p.OrgName == "" {
		issues = append(issues, "org_name is required")
	}
	if p.OrgDomain == "" {
		issues = append(issues, "org_domain is required")
	}
	for _, addr := range p.IncidentTeam {
		if _, err := mail.ParseAddress(addr); err != nil {
			issues = append(issues, fmt.Sprintf("incident_team entry %q is not an email address", addr))
		}
	}

	names := map[string]bool{"SSN": true, "CreditCard": true, "Email": true}
	for i, pat := range p.Classification.Patterns {
		if pat.Name == "" {
			issues = append(issues, fmt.Sprintf("classification.patterns[%d].name is required", i))
		}
		if _, err := regexp.Compile(pat.Regex); err != nil || pat.Regex == "" {
			issues = append(issues, fmt.Sprintf("classification.patterns[%d].regex does not compile", i))
		}
		switch pat.Protection {
		case "", "encrypt", "mask", "none":
		default:
			issues = append(issues, fmt.Sprintf("classification.patterns[%d].protection must be encrypt, mask, or none, got %q", i, pat.Protection))
		}
		names[pat.Name] = true
	}

	for i, pol := range p.DLP.Policies {
		if pol.Name == "" {
			issues = append(issues, fmt.Sprintf("dlp.policies[%d].name is required", i))
		}
		switch pol.Action {
		case "audit", "warn", "block":
		default:
			issues = append(issues, fmt.Sprintf("dlp.policies[%d].action must be audit, warn, or block, got %q", i, pol.Action))
		}
		if len(pol.Classifications) == 0 {
			issues = append(issues, fmt.Sprintf("dlp.policies[%d] names no classifications", i))
		}
		for _, c := range pol.Classifications {
			if !names[c] {
				issues = append(issues, fmt.Sprintf("dlp.policies[%d] references unknown classification %q", i, c))
			}
		}
	}

	if p.Audit.RetentionDays < 0 {
		issues = append(issues, "audit.retention_days must not be negative")
	}
	return issues
}

// Retention returns the audit retention period, or 0 when unset.
func (p *Policy) Retention() time.Duration {
	if p == nil || p.Audit.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(p.Audit.RetentionDays) * 24 * time.Hour
}

// IsExternal reports whether an email address is outside the org domain.
// Without an org domain nothing is external.
func (p *Policy) IsExternal(email string) bool {
	if p == nil || p.OrgDomain == "" {
		return false
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return true
	}
	return !strings.EqualFold(email[at+1:], p.OrgDomain)
}

// IsCommandAllowed checks if a command is allowed by policy.
// Empty allowed_commands means all commands are allowed.
func IsCommandAllowed(p *Policy, commandPath string) bool {
	if p == nil || len(p.AllowedCommands) == 0 {
		return true
	}
	// commandPath is like "sheetkit audit show"; "audit" or "audit show" may be listed.
	parts := strings.Fields(commandPath)
	for _, allowed := range p.AllowedCommands {
		for _, part := range parts {
			if part == allowed {
				return true
			}
		}
		if strings.Contains(commandPath, allowed) {
			return true
		}
	}
	return false
}

// GeneratePolicyTemplate returns a YAML template for the security policy.
func GeneratePolicyTemplate(orgName, domain string) string {
	return fmt.Sprintf(`# sheetkit security policy
# Deploy to: %s
# Permissions: readable by the sheetkit service user, writable only by root/Administrators

org_name: %q
org_domain: %q

incident_team:
  - security@%s

classification:
  patterns:
    # - name: EmployeeID
    #   regex: '\bEMP-\d{6}\b'
    #   protection: mask

dlp:
  disable_defaults: false
  policies:
    # - name: Employee IDs
    #   classifications: [EmployeeID]
    #   action: warn
    #   min_matches: 1

audit:
  retention_days: 90

# allowed_commands: []  # empty = all allowed
`, PolicyPath(), orgName, domain, domain)
}
