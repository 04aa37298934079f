// Package classify finds sensitive values in worksheets and protects them.
package classify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/model"
)

// Built-in classification types.
const (
	SSN        = "SSN"
	CreditCard = "CreditCard"
	Email      = "Email"
)

// Protection is what ApplyProtectionPolicy does to a classified cell.
type Protection string

const (
	ProtectEncrypt Protection = "encrypt"
	ProtectMask    Protection = "mask"
	ProtectNone    Protection = "none"
)

// Label is the overall sensitivity of a workbook.
type Label string

const (
	Public       Label = "Public"
	Internal     Label = "Internal"
	Confidential Label = "Confidential"
	Restricted   Label = "Restricted"
)

var labelRank = map[Label]int{"": 0, Public: 0, Internal: 1, Confidential: 2, Restricted: 3}

// Pattern is one classification type.
type Pattern struct {
	Name       string
	Regexp     *regexp.Regexp
	Protection Protection
}

func builtins() []Pattern {
	return []Pattern{
		{SSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), ProtectEncrypt},
		{CreditCard, regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`), ProtectMask},
		{Email, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), ProtectNone},
	}
}

// Classifier matches values against an ordered list of patterns. The
// first match wins.
type Classifier struct {
	patterns []Pattern
}

// NewClassifier returns the built-in patterns followed by any from policy.
// A custom pattern reusing a built-in name overrides its protection only.
func NewClassifier(policy *config.Policy) (*Classifier, error) {
	c := &Classifier{patterns: builtins()}
	if policy == nil {
		return c, nil
	}
	for _, pat := range policy.Classification.Patterns {
		prot := Protection(pat.Protection)
		if prot == "" {
			prot = ProtectMask
		}
		if i := c.index(pat.Name); i >= 0 {
			c.patterns[i].Protection = prot
			continue
		}
		re, err := regexp.Compile(pat.Regex)
		if err != nil {
			return nil, fmt.Errorf("classification pattern %s: %w", pat.Name, err)
		}
		c.patterns = append(c.patterns, Pattern{Name: pat.Name, Regexp: re, Protection: prot})
	}
	return c, nil
}

func (c *Classifier) index(name string) int {
	for i, p := range c.patterns {
		if strings.EqualFold(p.Name, name) {
			return i
		}
	}
	return -1
}

// Patterns returns the pattern names in match order.
func (c *Classifier) Patterns() []string {
	out := make([]string, len(c.patterns))
	for i, p := range c.patterns {
		out[i] = p.Name
	}
	return out
}

// Known reports whether name is a configured classification type.
func (c *Classifier) Known(name string) bool { return c.index(name) >= 0 }

// ClassifyCellValue returns the first matching type, or "" when the value
// is not sensitive.
func (c *Classifier) ClassifyCellValue(v string) string {
	if v == "" {
		return ""
	}
	for _, p := range c.patterns {
		if p.Regexp.MatchString(v) {
			return p.Name
		}
	}
	return ""
}

// ProtectionFor returns the protection applied to a type.
func (c *Classifier) ProtectionFor(name string) Protection {
	if i := c.index(name); i >= 0 {
		return c.patterns[i].Protection
	}
	return ProtectNone
}

// Result maps a classification type to the cell references holding it.
type Result map[string][]string

// ClassifyCells classifies each cell's displayed value.
func (c *Classifier) ClassifyCells(cells []model.Cell) Result {
	res := Result{}
	for _, cell := range cells {
		if t := c.ClassifyCellValue(cell.Value); t != "" {
			res[t] = append(res[t], cell.Reference)
		}
	}
	return res
}

// Label derives the sensitivity label implied by res.
func (c *Classifier) Label(res Result) Label {
	best := Public
	for t, refs := range res {
		if len(refs) == 0 {
			continue
		}
		l := Internal
		switch c.ProtectionFor(t) {
		case ProtectEncrypt:
			l = Restricted
		case ProtectMask:
			l = Confidential
		}
		if labelRank[l] > labelRank[best] {
			best = l
		}
	}
	return best
}

// Types returns the types present in res in sorted order.
func (r Result) Types() []string {
	out := make([]string, 0, len(r))
	for t := range r {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Mask replaces all but the last four characters of v with '*'.
func Mask(v string) string {
	r := []rune(v)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-4) + string(r[len(r)-4:])
}
