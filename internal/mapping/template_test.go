package mapping

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTemplate_OrdersByOrdinal(t *testing.T) {
	tpl, err := NewTemplate("x", "x", []Rule{
		{ExternalField: "c", Target: TargetAward, Kind: Passthrough, Ordinal: 3},
		{ExternalField: "a", Target: TargetTitle, Kind: Passthrough, Ordinal: 1},
		{ExternalField: "b", Target: TargetIssuer, Kind: Passthrough, Ordinal: 2},
	})
	require.NoError(t, err)

	var order []string
	for _, r := range tpl.Rules {
		order = append(order, r.ExternalField)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestNewTemplate_ReportsEveryProblem(t *testing.T) {
	_, err := NewTemplate("x", "x", []Rule{
		{ExternalField: "", Target: TargetTitle, Kind: Passthrough},
		{ExternalField: "a", Target: "nickname", Kind: Passthrough},
		{ExternalField: "b", Target: TargetLevel, Kind: EnumMap},
		{ExternalField: "c", Target: TargetTeacherID, Kind: EntityNameToID, Params: Params{Entity: "dean"}},
		{ExternalField: "d", Target: TargetTitle, Kind: "uppercase"},
	})
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "external field is empty")
	assert.Contains(t, msg, `unknown target field "nickname"`)
	assert.Contains(t, msg, "without an enum table")
	assert.Contains(t, msg, `unknown entity "dean"`)
	assert.Contains(t, msg, "already mapped")
	assert.Contains(t, msg, `unknown transform "uppercase"`)
}

func TestNewTemplate_NormalizesTargets(t *testing.T) {
	rules := []Rule{{ExternalField: "奖项", Target: " award ", Kind: Passthrough}}
	tpl, err := NewTemplate("x", "x", rules)
	require.NoError(t, err)

	r, ok := tpl.Rule(TargetAward)
	require.True(t, ok)
	assert.Equal(t, "奖项", r.ExternalField)
	assert.Equal(t, Target(" award "), rules[0].Target, "the caller's rules are not modified")
}

func TestParseTarget(t *testing.T) {
	got, err := ParseTarget(" award ")
	require.NoError(t, err)
	assert.Equal(t, TargetAward, got)

	_, err = ParseTarget("score")
	assert.Error(t, err)
}

func TestDefaultTemplate(t *testing.T) {
	tpl := DefaultTemplate()
	assert.Equal(t, DefaultTemplateName, tpl.Name)
	require.Len(t, tpl.Rules, 9)

	required := 0
	for _, r := range tpl.Rules {
		if r.Required {
			required++
		}
	}
	assert.Equal(t, 7, required)

	rule, ok := tpl.Rule(TargetTeacherID)
	require.True(t, ok)
	assert.True(t, rule.Params.Fuzzy)
	assert.Equal(t, "指导教师", rule.ExternalField)
}

type fakeSource struct {
	teachers, students []Person
	err                error
}

func (f fakeSource) ListTeachers(context.Context) ([]Person, error) { return f.teachers, f.err }
func (f fakeSource) ListStudents(context.Context) ([]Person, error) { return f.students, nil }

func TestLoadDirectory(t *testing.T) {
	dir, err := LoadDirectory(context.Background(), fakeSource{
		teachers: []Person{{ID: 1, Name: "李四"}, {ID: 2, Name: ""}},
		students: []Person{{ID: 5, Name: "张三"}},
	})
	require.NoError(t, err)
	teachers, students := dir.Len()
	assert.Equal(t, 1, teachers)
	assert.Equal(t, 1, students)

	_, err = LoadDirectory(context.Background(), fakeSource{err: errors.New("db down")})
	assert.ErrorContains(t, err, "load teachers")
}
