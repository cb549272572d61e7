// Package secrets stores the provider access token for an issue and keeps it
// out of every observable surface: logs, run records and status responses
// only ever see has_pat and updated_at.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"jeeves/internal/state"
)

// File is the secrets document inside a state directory.
const File = "secrets.json"

// EnvFile is the per-worktree env file the token is materialized into.
const EnvFile = ".env.jeeves"

type document struct {
	PAT       string    `json:"pat,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Status is the only externally visible view of the stored secret.
type Status struct {
	HasPAT    bool      `json:"has_pat"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Keeper manages the secrets file of one state directory.
type Keeper struct {
	dir string
}

// NewKeeper creates a keeper over a state directory.
func NewKeeper(stateDir string) *Keeper {
	return &Keeper{dir: stateDir}
}

func (k *Keeper) path() string { return filepath.Join(k.dir, File) }

func (k *Keeper) load() (*document, error) {
	data, err := os.ReadFile(k.path())
	if err != nil {
		if os.IsNotExist(err) {
			return &document{}, nil
		}
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode secrets: %w", err)
	}
	return &doc, nil
}

// SetPAT stores the token with owner-only permissions.
func (k *Keeper) SetPAT(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("empty token")
	}
	doc := document{PAT: token, UpdatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return state.WriteFileAtomic(k.path(), append(data, '\n'), 0o600)
}

// ClearPAT removes the stored token.
func (k *Keeper) ClearPAT() error {
	err := os.Remove(k.path())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Status reports presence without exposing the value.
func (k *Keeper) Status() (Status, error) {
	doc, err := k.load()
	if err != nil {
		return Status{}, err
	}
	if doc.PAT == "" {
		return Status{}, nil
	}
	return Status{HasPAT: true, UpdatedAt: doc.UpdatedAt}, nil
}

// Materialize writes the token into <worktreeDir>/.env.jeeves so provider
// subprocesses can source it. Missing token is a no-op.
func (k *Keeper) Materialize(worktreeDir string) error {
	doc, err := k.load()
	if err != nil {
		return err
	}
	if doc.PAT == "" {
		return nil
	}
	content := "JEEVES_PAT=" + doc.PAT + "\n"
	return state.WriteFileAtomic(filepath.Join(worktreeDir, EnvFile), []byte(content), 0o600)
}

// tokenShapes match credential material that must never surface in run
// records.
var tokenShapes = []*regexp.Regexp{
	regexp.MustCompile(`ghp_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`gho_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`(?i)(authorization:\s*(?:basic|bearer)\s+)\S+`),
	regexp.MustCompile(`[a-z2-7]{52}`), // azure devops PAT shape
}

// maxErrorLen bounds sanitized error text in the run record.
const maxErrorLen = 2048

// SanitizeError prepares failure text for the run record: control characters
// become spaces, credential shapes are scrubbed, and the result is truncated
// to 2 KiB.
func SanitizeError(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(' ')
			continue
		}
		if r < 0x20 || r == 0x7f {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	for _, re := range tokenShapes {
		if re.NumSubexp() > 0 {
			out = re.ReplaceAllString(out, "${1}[REDACTED]")
		} else {
			out = re.ReplaceAllString(out, "[REDACTED]")
		}
	}
	if len(out) > maxErrorLen {
		cut := maxErrorLen
		// Back off to a rune boundary rather than splitting a multi-byte rune.
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
	}
	return out
}
