package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klytics/sheetkit/internal/model"
)

// Journal appends audit records to a JSON-lines file.
type Journal struct {
	path string
	mu   sync.Mutex
}

// NewJournal returns a journal at path. An empty path disables it.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the file the journal writes to.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Append writes records as one JSON object per line.
func (j *Journal) Append(records ...model.AuditLog) error {
	if j == nil || j.path == "" || len(records) == 0 {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("could not create audit directory: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("could not open audit journal: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("could not write audit record: %w", err)
		}
	}
	return w.Flush()
}

// ReadEntries reads all records from a journal file. A missing file has
// no records. Malformed lines are skipped.
func ReadEntries(path string) ([]model.AuditLog, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []model.AuditLog
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e model.AuditLog
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// FilterEntries returns entries inside [since, until] matching action
// (substring) and userID. Zero values match everything.
func FilterEntries(entries []model.AuditLog, since, until time.Time, action, userID string) []model.AuditLog {
	var result []model.AuditLog
	for _, e := range entries {
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && e.Timestamp.After(until) {
			continue
		}
		if action != "" && !strings.Contains(e.Action, action) {
			continue
		}
		if userID != "" && e.UserID != userID {
			continue
		}
		result = append(result, e)
	}
	return result
}

// LogSize returns the size of a journal file in bytes, or 0 if not found.
func LogSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Clear truncates a journal file.
func Clear(path string) error {
	return os.Truncate(path, 0)
}

var sensitiveKeys = map[string]bool{
	"password": true, "passwd": true, "token": true, "secret": true,
	"key": true, "api_key": true, "apikey": true, "authorization": true,
}

var sensitivePrefixes = []string{"eyJ", "enc:v1:", "sk-"}

// Redact masks secrets in free-form details: values of key=value pairs
// whose key looks sensitive, the word after "Bearer", JWTs and sealed
// values.
func Redact(details string) string {
	if details == "" {
		return details
	}
	fields := strings.Fields(details)
	redactNext := false
	for i, f := range fields {
		if redactNext {
			fields[i] = "[REDACTED]"
			redactNext = false
			continue
		}
		if strings.EqualFold(f, "Bearer") {
			redactNext = true
			continue
		}
		if k, _, ok := strings.Cut(f, "="); ok && sensitiveKeys[strings.ToLower(strings.TrimLeft(k, "-"))] {
			fields[i] = k + "=[REDACTED]"
			continue
		}
		if sensitiveKeys[strings.ToLower(strings.TrimLeft(f, "-"))] && strings.HasPrefix(f, "--") {
			redactNext = true
			continue
		}
		for _, p := range sensitivePrefixes {
			if strings.HasPrefix(f, p) {
				fields[i] = "[REDACTED]"
				break
			}
		}
	}
	return strings.Join(fields, " ")
}
