package story

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Text flattens a loosely typed cell value into a string.
// Rich text cells arrive as a list of segments with a "text" key.
func Text(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		var b strings.Builder
		for _, item := range val {
			switch seg := item.(type) {
			case string:
				b.WriteString(seg)
			case map[string]any:
				if t, ok := seg["text"].(string); ok {
					b.WriteString(t)
				}
			}
		}
		return b.String()
	case map[string]any:
		t, _ := val["text"].(string)
		return t
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if !val {
			return ""
		}
		return "true"
	default:
		return fmt.Sprint(val)
	}
}

// Number reads a numeric cell. Anything unparseable is 0.
func Number(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil || math.IsNaN(f) {
			return 0
		}
		return f
	default:
		return Number(Text(v))
	}
}

// Attachments decodes an attachment cell.
// Elements without a file token are dropped.
func Attachments(v any) []Attachment {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []Attachment
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		token, _ := m["file_token"].(string)
		if token == "" {
			token, _ = m["token"].(string)
		}
		if token == "" {
			continue
		}
		name, _ := m["name"].(string)
		if name == "" {
			name = "image.jpg"
		}
		out = append(out, Attachment{FileToken: token, Name: name})
	}
	return out
}

// LocationKey reads a location id cell. Story rows and directory rows both go
// through it so the two sides always agree on the key.
func LocationKey(v any) string {
	return strings.TrimSpace(Text(v))
}
