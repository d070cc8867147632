package bitable

import (
	"encoding/json"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cast"
)

// valueJSON decodes raw field payloads. UseNumber keeps epoch-millisecond
// timestamps exact instead of rounding them through float64.
var valueJSON = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	UseNumber:              true,
}.Froze()

// ValueKind identifies which variant a Value holds.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindText
	KindNumber
	KindAttachments
	KindList
	KindObject
)

// AttachmentRef is a reference to a file stored in the remote table.
type AttachmentRef struct {
	FileToken string `json:"file_token"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"type,omitempty"`
	Size      int64  `json:"size,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Value is a single cell of a remote record.
//
// The remote API returns cells in many shapes (plain strings, rich-text
// segment lists, numbers, epoch timestamps, person lists, attachment lists).
// Value folds those into a small tagged union and keeps the original payload
// so previews can echo exactly what the source contained.
type Value struct {
	kind        ValueKind
	text        string
	number      float64
	attachments []AttachmentRef
	list        []Value
	raw         any
}

// Text returns a text Value.
func Text(s string) Value {
	return Value{kind: KindText, text: s, raw: s}
}

// Number returns a numeric Value.
func Number(n float64) Value {
	return Value{kind: KindNumber, number: n, raw: n}
}

// Attachments returns a Value holding attachment references.
func Attachments(refs ...AttachmentRef) Value {
	raw := make([]any, len(refs))
	for i, r := range refs {
		raw[i] = map[string]any{"file_token": r.FileToken, "name": r.Name, "type": r.Type}
	}
	return Value{kind: KindAttachments, attachments: refs, raw: raw}
}

// List returns a Value holding several values (multi-select, person lists).
func List(values ...Value) Value {
	raw := make([]any, len(values))
	for i, v := range values {
		raw[i] = v.raw
	}
	return Value{kind: KindList, list: values, raw: raw}
}

// Kind reports the variant held by v.
func (v Value) Kind() ValueKind { return v.kind }

// IsEmpty reports whether v carries no usable content.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindText:
		return strings.TrimSpace(v.text) == ""
	case KindAttachments:
		return len(v.attachments) == 0
	case KindList:
		for _, item := range v.list {
			if !item.IsEmpty() {
				return false
			}
		}
		return true
	case KindObject:
		return v.raw == nil
	}
	return false
}

// String renders v as text. Lists are joined with the CJK enumeration comma,
// which is also the separator the remote source uses for multi-person cells.
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindNumber:
		return strconv.FormatFloat(v.number, 'f', -1, 64)
	case KindList:
		parts := make([]string, 0, len(v.list))
		for _, item := range v.list {
			if s := strings.TrimSpace(item.String()); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "、")
	case KindAttachments:
		names := make([]string, 0, len(v.attachments))
		for _, a := range v.attachments {
			names = append(names, a.Name)
		}
		return strings.Join(names, "、")
	}
	return ""
}

// Float returns the numeric content of v. Text that parses as a number is
// accepted because some sources export dates as numeric strings.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.number, true
	case KindText:
		s := strings.TrimSpace(v.text)
		if s == "" {
			return 0, false
		}
		f, err := cast.ToFloat64E(s)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// AttachmentRefs returns the attachment references held by v, if any.
func (v Value) AttachmentRefs() []AttachmentRef {
	if v.kind != KindAttachments {
		return nil
	}
	return v.attachments
}

// Interface returns a plain Go representation of v suitable for storage:
// string for text and lists, float64 for numbers, []AttachmentRef for files.
func (v Value) Interface() any {
	switch v.kind {
	case KindText, KindList:
		return v.String()
	case KindNumber:
		return v.number
	case KindAttachments:
		return v.attachments
	case KindObject:
		return v.raw
	}
	return nil
}

// MarshalJSON re-emits the original payload.
func (v Value) MarshalJSON() ([]byte, error) {
	return valueJSON.Marshal(v.raw)
}

// UnmarshalJSON decodes any remote cell payload into a Value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := valueJSON.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = valueFromRaw(raw)
	return nil
}

func valueFromRaw(raw any) Value {
	switch x := raw.(type) {
	case nil:
		return Value{kind: KindNull}
	case string:
		return Value{kind: KindText, text: x, raw: x}
	case json.Number:
		f, _ := x.Float64()
		return Value{kind: KindNumber, number: f, raw: x}
	case float64:
		return Value{kind: KindNumber, number: x, raw: x}
	case bool:
		return Value{kind: KindText, text: strconv.FormatBool(x), raw: x}
	case []any:
		return listFromRaw(x)
	case map[string]any:
		return objectFromRaw(x)
	}
	return Value{kind: KindText, text: cast.ToString(raw), raw: raw}
}

// listFromRaw classifies a JSON array. Arrays of file objects become
// attachments, arrays of rich-text segments collapse into one text value,
// anything else stays a list.
func listFromRaw(items []any) Value {
	if len(items) == 0 {
		return Value{kind: KindList, raw: items}
	}

	refs := make([]AttachmentRef, 0, len(items))
	segments := make([]string, 0, len(items))
	allFiles, allSegments := true, true
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			allFiles, allSegments = false, false
			break
		}
		if token, ok := m["file_token"].(string); ok && token != "" {
			refs = append(refs, AttachmentRef{
				FileToken: token,
				Name:      cast.ToString(m["name"]),
				Type:      cast.ToString(m["type"]),
				Size:      cast.ToInt64(m["size"]),
				URL:       cast.ToString(m["url"]),
			})
		} else {
			allFiles = false
		}
		if text, ok := m["text"].(string); ok && m["type"] != nil && m["name"] == nil {
			segments = append(segments, text)
		} else {
			allSegments = false
		}
	}

	switch {
	case allFiles:
		return Value{kind: KindAttachments, attachments: refs, raw: items}
	case allSegments:
		text := strings.Join(segments, "")
		return Value{kind: KindText, text: text, raw: items}
	}

	list := make([]Value, 0, len(items))
	for _, item := range items {
		list = append(list, valueFromRaw(item))
	}
	return Value{kind: KindList, list: list, raw: items}
}

// objectFromRaw handles single JSON objects such as a person, a link or a
// lone rich-text segment.
func objectFromRaw(m map[string]any) Value {
	for _, key := range []string{"text", "name", "en_name"} {
		if s, ok := m[key].(string); ok && s != "" {
			return Value{kind: KindText, text: s, raw: m}
		}
	}
	return Value{kind: KindObject, raw: m}
}
