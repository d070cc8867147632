// Package mapping turns remote table records into achievement values
// according to a template of per-field rules.
package mapping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Target is an achievement field a rule can write to.
type Target string

const (
	TargetStudentID         Target = "student_id"
	TargetTeacherID         Target = "teacher_id"
	TargetTitle             Target = "title"
	TargetType              Target = "type"
	TargetLevel             Target = "level"
	TargetAward             Target = "award"
	TargetDate              Target = "date"
	TargetIssuer            Target = "issuer"
	TargetCertificateNumber Target = "certificate_number"
)

// Targets lists every valid target in schema order.
var Targets = []Target{
	TargetStudentID,
	TargetTeacherID,
	TargetTitle,
	TargetType,
	TargetLevel,
	TargetAward,
	TargetDate,
	TargetIssuer,
	TargetCertificateNumber,
}

// Valid reports whether t is a known achievement field.
func (t Target) Valid() bool {
	for _, known := range Targets {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTarget validates s as a Target.
func ParseTarget(s string) (Target, error) {
	t := Target(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("unknown target field %q", s)
	}
	return t, nil
}

// TransformKind selects how a rule converts its source value.
type TransformKind string

const (
	Passthrough    TransformKind = "passthrough"
	EnumMap        TransformKind = "enum_map"
	EntityNameToID TransformKind = "entity_name_to_id"
	DateParse      TransformKind = "date_parse"
)

// EntityKind selects the directory an entity rule resolves against.
type EntityKind string

const (
	EntityTeacher EntityKind = "teacher"
	EntityStudent EntityKind = "student"
)

// Params holds the kind-specific settings of a rule.
type Params struct {
	EnumTable   map[string]string `json:"enum_table,omitempty"`
	Entity      EntityKind        `json:"entity,omitempty"`
	Fuzzy       bool              `json:"fuzzy,omitempty"`
	DateLayouts []string          `json:"date_layouts,omitempty"`
}

// Rule maps one external column to one achievement field.
type Rule struct {
	ExternalField string        `json:"external_field"`
	Target        Target        `json:"target"`
	Kind          TransformKind `json:"kind"`
	Params        Params        `json:"params"`
	Required      bool          `json:"required"`
	Ordinal       int           `json:"ordinal"`
}

// Template is a named, ordered rule set. A locked template has been used
// by an import and must not be edited in place.
type Template struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Rules  []Rule `json:"rules"`
	Locked bool   `json:"locked"`
}

// NewTemplate validates rules and returns them ordered by Ordinal. Every
// problem is reported, not just the first.
func NewTemplate(id, name string, rules []Rule) (Template, error) {
	var result *multierror.Error
	seen := make(map[Target]string, len(rules))
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)

	for i, r := range ordered {
		if strings.TrimSpace(r.ExternalField) == "" {
			result = multierror.Append(result, fmt.Errorf("rule %d: external field is empty", i))
		}
		target, err := ParseTarget(string(r.Target))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("rule %d: %w", i, err))
		} else if prev, dup := seen[target]; dup {
			result = multierror.Append(result, fmt.Errorf("rule %d: target %s already mapped from %q", i, target, prev))
		} else {
			seen[target] = r.ExternalField
			ordered[i].Target = target
		}

		switch r.Kind {
		case Passthrough, DateParse:
		case EnumMap:
			if len(r.Params.EnumTable) == 0 {
				result = multierror.Append(result, fmt.Errorf("rule %d: enum_map without an enum table", i))
			}
		case EntityNameToID:
			if r.Params.Entity != EntityTeacher && r.Params.Entity != EntityStudent {
				result = multierror.Append(result, fmt.Errorf("rule %d: unknown entity %q", i, r.Params.Entity))
			}
		default:
			result = multierror.Append(result, fmt.Errorf("rule %d: unknown transform %q", i, r.Kind))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return Template{}, err
	}

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })

	return Template{ID: id, Name: name, Rules: ordered}, nil
}

// Rule returns the rule writing to target, if any.
func (t Template) Rule(target Target) (Rule, bool) {
	for _, r := range t.Rules {
		if r.Target == target {
			return r, true
		}
	}
	return Rule{}, false
}
