package mapping

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Person is a directory entry.
type Person struct {
	ID   int64
	Name string
}

// DirectorySource loads the people entity rules resolve against.
type DirectorySource interface {
	ListTeachers(ctx context.Context) ([]Person, error)
	ListStudents(ctx context.Context) ([]Person, error)
}

// Directory is an in-memory name to id index of teachers and students. It
// is read-only after construction and safe for concurrent use.
type Directory struct {
	teachers nameIndex
	students nameIndex
}

type nameIndex struct {
	ids   map[string]int64
	names []string
}

func newNameIndex(people []Person) nameIndex {
	idx := nameIndex{ids: make(map[string]int64, len(people))}
	for _, p := range people {
		key := normalizeName(p.Name)
		if key == "" {
			continue
		}
		// first entry wins on duplicate names
		if _, dup := idx.ids[key]; dup {
			continue
		}
		idx.ids[key] = p.ID
		idx.names = append(idx.names, key)
	}
	sort.Strings(idx.names)
	return idx
}

// NewDirectory indexes the given people.
func NewDirectory(teachers, students []Person) *Directory {
	return &Directory{
		teachers: newNameIndex(teachers),
		students: newNameIndex(students),
	}
}

// LoadDirectory reads both lists from src once.
func LoadDirectory(ctx context.Context, src DirectorySource) (*Directory, error) {
	teachers, err := src.ListTeachers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load teachers: %w", err)
	}
	students, err := src.ListStudents(ctx)
	if err != nil {
		return nil, fmt.Errorf("load students: %w", err)
	}
	return NewDirectory(teachers, students), nil
}

// Len reports the number of indexed teachers and students.
func (d *Directory) Len() (teachers, students int) {
	return len(d.teachers.names), len(d.students.names)
}

// Resolve finds the id for a raw cell value. Only the first of several
// separated names is used and honorifics are stripped. When fallback is
// non-nil it is consulted after an exact miss.
func (d *Directory) Resolve(kind EntityKind, raw string, fallback Matcher) (int64, bool) {
	idx := d.students
	if kind == EntityTeacher {
		idx = d.teachers
	}

	name := CleanName(raw)
	if name == "" {
		return 0, false
	}
	if id, ok := idx.ids[name]; ok {
		return id, true
	}
	if fallback == nil {
		return 0, false
	}
	if hit, ok := fallback.Match(name, idx.names); ok {
		return idx.ids[hit], true
	}
	return 0, false
}

var nameSeparators = []string{"、", ",", "，", ";", "；"}

// longest first so 副教授 is removed before 教授
var honorifics = []string{"副教授", "老师", "教授", "讲师", "博士", "同学"}

// CleanName reduces a cell such as "李老师、王教授" to the normalized first
// name "李".
func CleanName(raw string) string {
	name := raw
	for _, sep := range nameSeparators {
		if i := strings.Index(name, sep); i >= 0 {
			name = name[:i]
		}
	}
	for _, h := range honorifics {
		name = strings.ReplaceAll(name, h, "")
	}
	return normalizeName(name)
}
