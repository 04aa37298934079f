package formula

import (
	"fmt"
	"strings"

	"github.com/xuri/efp"

	"github.com/klytics/sheetkit/internal/cellref"
)

// Result reports the outcome of Validate.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func tokenize(formula string) []efp.Token {
	ps := efp.ExcelParser()
	return ps.Parse(formula)
}

// Validate checks formula syntax and that every function is supported.
func Validate(formula string) Result {
	formula = strings.TrimSpace(formula)
	if strings.TrimPrefix(formula, "=") == "" {
		return Result{Errors: []string{"formula is empty"}}
	}

	var (
		errs      []string
		fnDepth   int
		subDepth  int
		seenUnkFn = map[string]bool{}
	)
	for _, tok := range tokenize(formula) {
		switch tok.TType {
		case efp.TokenTypeUnknown:
			errs = append(errs, fmt.Sprintf("unexpected token %q", tok.TValue))
		case efp.TokenTypeFunction:
			switch tok.TSubType {
			case efp.TokenSubTypeStart:
				fnDepth++
				name := strings.ToUpper(tok.TValue)
				if _, ok := Lookup(name); !ok && !seenUnkFn[name] {
					seenUnkFn[name] = true
					errs = append(errs, fmt.Sprintf("unsupported function %s", name))
				}
			case efp.TokenSubTypeStop:
				fnDepth--
			}
		case efp.TokenTypeSubexpression:
			switch tok.TSubType {
			case efp.TokenSubTypeStart:
				subDepth++
			case efp.TokenSubTypeStop:
				subDepth--
			}
		}
		if fnDepth < 0 || subDepth < 0 {
			errs = append(errs, "unbalanced parentheses")
			fnDepth, subDepth = 0, 0
		}
	}
	if fnDepth != 0 || subDepth != 0 {
		errs = append(errs, "unbalanced parentheses")
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

// Reference is a range operand of a formula.
type Reference struct {
	Sheet string
	Range cellref.Range
}

// References lists the A1 ranges a formula reads. Whole-row and
// whole-column references are skipped.
func References(formula string) []Reference {
	var out []Reference
	for _, tok := range tokenize(formula) {
		if tok.TType != efp.TokenTypeOperand || tok.TSubType != efp.TokenSubTypeRange {
			continue
		}
		sheet, addr := "", tok.TValue
		if i := strings.LastIndex(addr, "!"); i >= 0 {
			sheet = strings.Trim(addr[:i], "'")
			addr = addr[i+1:]
		}
		rng, err := cellref.ParseRange(strings.ReplaceAll(addr, "$", ""))
		if err != nil {
			continue
		}
		out = append(out, Reference{Sheet: sheet, Range: rng})
	}
	return out
}

// ReadsCell reports whether formula references ref on sheet, either
// unqualified or qualified with sheet's name.
func ReadsCell(formula, sheet, ref string) bool {
	for _, r := range References(formula) {
		if (r.Sheet == "" || strings.EqualFold(r.Sheet, sheet)) && r.Range.Contains(ref) {
			return true
		}
	}
	return false
}
