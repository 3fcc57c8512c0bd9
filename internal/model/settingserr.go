package model

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one settings problem in a form fit for a user.
type CueErrorDetail struct {
	Path    string // dotted, eg. sequence.0.exec
	Code    string // unknown_field, missing_required, type_mismatch...
	Message string
	Pos     CueErrorPosition
	Raw     string // as reported by CUE
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	attrs := []slog.Attr{
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
	}
	if c.Pos.Filename != "" {
		attrs = append(attrs, slog.String("at", fmt.Sprintf("%s:%d:%d", c.Pos.Filename, c.Pos.Line, c.Pos.Column)))
	}
	return slog.GroupAttrs(name, attrs...)
}

func (c CueErrorDetail) String() string {
	if c.Pos.Filename == "" {
		return c.Message
	}
	return fmt.Sprintf("%s:%d:%d: %s", c.Pos.Filename, c.Pos.Line, c.Pos.Column, c.Message)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// issueRules are tried in order, the first match names the issue.
// "incompatible list lengths" has to win over the generic conflict rule.
var issueRules = []struct {
	re     *regexp.Regexp
	code   string
	format string
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "Field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "Field %s is required"},
	{regexp.MustCompile(`(?i)incompatible list lengths`), "missing_required", "Field %s must not be empty"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting_values", "Conflicting values for %s"},
	{regexp.MustCompile(`(?i)expected .* got .*`), "type_mismatch", "Field %s has wrong type/value"},
	{regexp.MustCompile(`(?i)invalid value|does not match|out of bound`), "invalid_value", "Field %s has invalid value"},
}

// SettingsErrors returns the humanized details of a LoadSettings error,
// or nil when err is not a validation error.
func SettingsErrors(err error) []CueErrorDetail {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Details
	}
	return nil
}

func humanize(err error) []CueErrorDetail {
	var details []CueErrorDetail
	seen := map[string]bool{}
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		d := CueErrorDetail{
			Path: settingsPath(e.Path()),
			Raw:  fmt.Sprintf(format, args...),
			Pos:  userPosition(e),
		}
		d.Code, d.Message = classify(d.Raw, d.Path)

		// a disjunction reports the same problem for every branch
		key := fmt.Sprintf("%s|%s|%d:%d", d.Path, d.Code, d.Pos.Line, d.Pos.Column)
		if seen[key] {
			continue
		}
		seen[key] = true
		details = append(details, d)
	}
	return details
}

// userPosition is the first position in the settings document itself,
// the embedded schema is skipped.
func userPosition(err cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(err) {
		name := p.Filename()
		if name == "" || filepath.Ext(name) == ".cue" {
			continue
		}
		return CueErrorPosition{Filename: name, Line: p.Line(), Column: p.Column()}
	}
	return CueErrorPosition{}
}

// settingsPath joins a CUE path, dropping the #Settings definition it
// starts with.
func settingsPath(elems []string) string {
	if len(elems) > 0 && strings.HasPrefix(elems[0], "#") {
		elems = elems[1:]
	}
	return strings.Join(elems, ".")
}

func classify(raw, path string) (code, msg string) {
	field := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		field = path[i+1:]
	}
	for _, r := range issueRules {
		if r.re.MatchString(raw) {
			return r.code, fmt.Sprintf(r.format, field)
		}
	}
	return "validation_error", raw
}
