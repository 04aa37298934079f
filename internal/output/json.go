package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klytics/sheetkit/cmd/version"
	"github.com/klytics/sheetkit/internal/auth"
	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/dlp"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// Exit codes for consistent error reporting.
const (
	ExitOK          = 0 // success
	ExitUserError   = 1 // bad flags, unknown workbook, permission denied
	ExitSystemError = 2 // IO error, database error, feed unreachable
)

// JSONResult is the envelope every --json command prints.
type JSONResult struct {
	OK      bool   `json:"ok"`
	Command string `json:"command"`
	Version string `json:"version"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// Stdout is where results are written. Tests and the shell swap it.
var Stdout io.Writer = os.Stdout

// PrintJSON writes a success envelope.
func PrintJSON(cmd string, data any) error {
	return encode(JSONResult{OK: true, Command: cmd, Version: version.Version, Data: data})
}

// PrintJSONError writes an error envelope.
func PrintJSONError(cmd string, err error, code int) error {
	if encErr := encode(JSONResult{Command: cmd, Version: version.Version, Error: err.Error(), Code: code}); encErr != nil {
		return fmt.Errorf("could not encode JSON error: %w", encErr)
	}
	return nil
}

func encode(v JSONResult) error {
	enc := json.NewEncoder(Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// UserError marks err as caused by the invocation rather than the system.
type UserError struct{ Err error }

func (e UserError) Error() string { return e.Err.Error() }
func (e UserError) Unwrap() error { return e.Err }

// Userf builds a UserError.
func Userf(format string, args ...any) error {
	return UserError{Err: fmt.Errorf(format, args...)}
}

// ExitCode classifies err: invalid input, missing records, conflicts and
// permission failures are the caller's fault, anything else is a system error.
func ExitCode(err error) int {
	var ue UserError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ue),
		errors.Is(err, model.ErrInvalid),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, authz.ErrForbidden),
		errors.Is(err, auth.ErrUserExists),
		errors.Is(err, dlp.ErrBlocked):
		return ExitUserError
	default:
		return ExitSystemError
	}
}
