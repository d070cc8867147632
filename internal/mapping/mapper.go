package mapping

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/campusworks/achievement-import/internal/bitable"
)

// FieldError is a per-field validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Target  Target `json:"target"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Note is a warning that does not invalidate the row.
type Note struct {
	Field   string `json:"field"`
	Target  Target `json:"target"`
	Message string `json:"message"`
}

// Outcome is the result of transforming one record.
type Outcome struct {
	Values map[Target]any `json:"values"`
	Errors []FieldError   `json:"errors,omitempty"`
	Notes  []Note         `json:"notes,omitempty"`
}

// Valid reports whether the record produced no field errors.
func (o Outcome) Valid() bool { return len(o.Errors) == 0 }

// ErrorMessages flattens the field errors for display.
func (o Outcome) ErrorMessages() []string {
	msgs := make([]string, len(o.Errors))
	for i, e := range o.Errors {
		msgs[i] = e.Error()
	}
	return msgs
}

// DefaultDateLayouts are tried in order for text dates.
var DefaultDateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006年01月02日",
	"2006.01.02",
	"2006-1-2",
	"2006/1/2",
	"2006年1月2日",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"20060102",
}

// Mapper applies templates to records. It holds no per-call state.
type Mapper struct {
	dir      *Directory
	fallback Matcher
	loc      *time.Location
}

// Option configures a Mapper.
type Option func(*Mapper)

// WithFallbackMatcher sets the matcher used by fuzzy entity rules after an
// exact miss. The default is ContainmentMatcher.
func WithFallbackMatcher(m Matcher) Option {
	return func(mp *Mapper) { mp.fallback = m }
}

// WithLocation sets the zone dates are rendered in.
func WithLocation(loc *time.Location) Option {
	return func(mp *Mapper) {
		if loc != nil {
			mp.loc = loc
		}
	}
}

// NewMapper returns a Mapper resolving entities against dir.
func NewMapper(dir *Directory, opts ...Option) *Mapper {
	if dir == nil {
		dir = NewDirectory(nil, nil)
	}
	m := &Mapper{
		dir:      dir,
		fallback: ContainmentMatcher{},
		loc:      DefaultLocation(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultLocation is Asia/Shanghai, or a fixed +08:00 zone when the tz
// database is unavailable.
func DefaultLocation() *time.Location {
	if loc, err := time.LoadLocation("Asia/Shanghai"); err == nil {
		return loc
	}
	return time.FixedZone("CST", 8*60*60)
}

// Transform applies every rule of tpl to fields in ordinal order. Rule
// failures are collected; the walk never stops early.
func (m *Mapper) Transform(fields bitable.Fields, tpl Template) Outcome {
	out := Outcome{Values: make(map[Target]any, len(tpl.Rules))}

	for _, rule := range tpl.Rules {
		v, ok := fields[rule.ExternalField]
		if !ok || v.IsEmpty() {
			if rule.Required {
				out.Errors = append(out.Errors, FieldError{
					Field:   rule.ExternalField,
					Target:  rule.Target,
					Message: "required field is missing",
				})
			}
			continue
		}

		switch rule.Kind {
		case Passthrough:
			out.Values[rule.Target] = passthrough(v)

		case EnumMap:
			raw := strings.TrimSpace(v.String())
			canon, found := resolveEnum(raw, rule.Params.EnumTable)
			if !found {
				out.Notes = append(out.Notes, Note{
					Field:   rule.ExternalField,
					Target:  rule.Target,
					Message: fmt.Sprintf("unmapped value %q kept as is", raw),
				})
			}
			out.Values[rule.Target] = canon

		case EntityNameToID:
			var fallback Matcher
			if rule.Params.Fuzzy {
				fallback = m.fallback
			}
			id, found := m.dir.Resolve(rule.Params.Entity, v.String(), fallback)
			if !found {
				out.Errors = append(out.Errors, FieldError{
					Field:   rule.ExternalField,
					Target:  rule.Target,
					Message: fmt.Sprintf("no %s named %q", rule.Params.Entity, strings.TrimSpace(v.String())),
				})
				continue
			}
			out.Values[rule.Target] = id

		case DateParse:
			date, err := m.parseDate(v, rule.Params.DateLayouts)
			if err != nil {
				out.Errors = append(out.Errors, FieldError{
					Field:   rule.ExternalField,
					Target:  rule.Target,
					Message: err.Error(),
				})
				continue
			}
			out.Values[rule.Target] = date
		}
	}
	return out
}

func passthrough(v bitable.Value) any {
	switch v.Kind() {
	case bitable.KindNumber:
		f, _ := v.Float()
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return cast.ToInt64(f)
		}
		return f
	case bitable.KindText, bitable.KindList:
		return strings.TrimSpace(v.String())
	}
	return v.Interface()
}

// resolveEnum maps raw to its canonical value. Exact keys win, then the
// longest key that contains raw or is contained in it. Unknown values are
// returned unchanged with found=false.
func resolveEnum(raw string, table map[string]string) (string, bool) {
	if canon, ok := table[raw]; ok {
		return canon, true
	}
	keys := make([]string, 0, len(table))
	for k := range table {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		if strings.Contains(raw, k) || strings.Contains(k, raw) {
			return table[k], true
		}
	}
	return raw, false
}

// epochMillisDigits is the length of a millisecond timestamp between 2001
// and 2286.
const epochMillisDigits = 13

// parseDate accepts an epoch-millisecond number (or 13-digit numeric text),
// an RFC 3339 timestamp, or any of the layouts, and returns YYYY-MM-DD.
func (m *Mapper) parseDate(v bitable.Value, layouts []string) (string, error) {
	s := strings.TrimSpace(v.String())
	// other numeric text is a compact date or an epoch in seconds, never millis
	if ms, ok := v.Float(); ok && (v.Kind() == bitable.KindNumber || len(s) == epochMillisDigits) {
		return time.UnixMilli(int64(ms)).In(m.loc).Format("2006-01-02"), nil
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(m.loc).Format("2006-01-02"), nil
	}
	if len(layouts) == 0 {
		layouts = DefaultDateLayouts
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, m.loc); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized date %q", s)
}
