package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadPolicyFromMissing(t *testing.T) {
	p, err := LoadPolicyFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Error("missing policy should load as nil")
	}
}

func TestLoadPolicyFrom(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	data := `org_name: Acme
org_domain: acme.com
incident_team: [soc@acme.com]
classification:
  patterns:
    - name: EmployeeID
      regex: '\bEMP-\d{6}\b'
      protection: mask
dlp:
  policies:
    - name: Employee IDs
      classifications: [EmployeeID]
      action: warn
audit:
  retention_days: 30
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicyFrom(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.OrgName != "Acme" || len(p.Classification.Patterns) != 1 {
		t.Fatalf("unexpected policy: %+v", p)
	}
	if issues := ValidatePolicy(p); len(issues) != 0 {
		t.Errorf("unexpected issues: %v", issues)
	}
	if p.Retention() != 30*24*time.Hour {
		t.Errorf("retention = %v", p.Retention())
	}
}

func TestLoadPolicyInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	os.WriteFile(path, []byte("org_name: [unclosed"), 0644)
	if _, err := LoadPolicyFrom(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidatePolicyIssues(t *testing.T) {
	p := &Policy{IncidentTeam: []string{"not-an-email"}}
	p.Classification.Patterns = []PatternSpec{{Name: "X", Regex: "(", Protection: "shred"}}
	p.DLP.Policies = []DLPPolicySpec{{Name: "Y", Classifications: []string{"Passport"}, Action: "delete"}}

	issues := ValidatePolicy(p)
	want := []string{
		"org_name is required",
		"org_domain is required",
		"not an email address",
		"regex does not compile",
		"protection must be",
		"action must be",
		`unknown classification "Passport"`,
	}
	joined := strings.Join(issues, "\n")
	for _, w := range want {
		if !strings.Contains(joined, w) {
			t.Errorf("missing issue %q in:\n%s", w, joined)
		}
	}
}

func TestIsExternal(t *testing.T) {
	p := &Policy{OrgDomain: "acme.com"}
	if p.IsExternal("bob@ACME.com") {
		t.Error("same domain should be internal")
	}
	if !p.IsExternal("eve@evil.example") {
		t.Error("other domain should be external")
	}
	var nilPolicy *Policy
	if nilPolicy.IsExternal("eve@evil.example") {
		t.Error("nil policy treats nobody as external")
	}
}

func TestIsCommandAllowed(t *testing.T) {
	if !IsCommandAllowed(nil, "sheetkit serve") {
		t.Error("nil policy allows everything")
	}
	p := &Policy{AllowedCommands: []string{"audit", "version"}}
	if !IsCommandAllowed(p, "sheetkit audit show") {
		t.Error("audit should be allowed")
	}
	if IsCommandAllowed(p, "sheetkit serve") {
		t.Error("serve should be denied")
	}
}

func TestGeneratePolicyTemplateParses(t *testing.T) {
	tmpl := GeneratePolicyTemplate("Acme", "acme.com")
	var p Policy
	if err := yaml.Unmarshal([]byte(tmpl), &p); err != nil {
		t.Fatalf("template is not valid YAML: %v", err)
	}
	if p.OrgDomain != "acme.com" || len(p.IncidentTeam) != 1 {
		t.Errorf("unexpected template policy: %+v", p)
	}
	if issues := ValidatePolicy(&p); len(issues) != 0 {
		t.Errorf("template should validate cleanly: %v", issues)
	}
}
