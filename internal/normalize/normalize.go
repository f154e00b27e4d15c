package normalize

import (
	"math"
	"strings"
	"time"
)

// DefaultAllowedFields is the canonical, ordered allow-list.
var DefaultAllowedFields = []string{
	"balance",
	"dualtap",
	"dualtapright",
	"gaitwalk",
	"pinchtosize",
	"pinchtosizeright",
	"questionnaire",
	"tremorpostural",
	"tremorresting",
	"voiceahh",
	"voiceypl",
}

// creationKeys are checked in order, case-insensitively.
var creationKeys = []string{"createdat", "created_at", "creationdate", "createdtime", "timestamp", "created"}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Extraction is one document's contribution to a field group.
type Extraction struct {
	SourceID  string     `json:"sourceId"`
	Value     Value      `json:"value"`
	Timestamp *time.Time `json:"timestamp"`
}

// Grouped maps an allowed field name to its contributions in document order.
// Fields without contributors are absent.
type Grouped map[string][]Extraction

// Fields lists the populated fields in allow-list order.
func (g Grouped) Fields(allowed []string) []string {
	out := make([]string, 0, len(g))
	for _, f := range canonical(allowed) {
		if _, ok := g[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Normalize groups the allowed fields found in docs. Each field is matched
// independently, so one document may feed several groups.
func Normalize(docs []*Document, allowed []string) Grouped {
	grouped := make(Grouped)
	fields := canonical(allowed)

	for _, doc := range docs {
		if doc == nil {
			continue
		}
		var ts *time.Time
		tsResolved := false

		for _, field := range fields {
			_, v, ok := doc.Lookup(field)
			if !ok {
				continue
			}
			if !tsResolved {
				ts = CreatedAt(doc)
				tsResolved = true
			}
			grouped[field] = append(grouped[field], Extraction{
				SourceID:  doc.ID,
				Value:     extract(v),
				Timestamp: ts,
			})
		}
	}
	return grouped
}

// extract keeps composites as-is and wraps scalars as {"value": scalar}.
func extract(v Value) Value {
	if v.IsComposite() {
		return v
	}
	return Map(NewDocument("").Set("value", v))
}

// CreatedAt derives a UTC creation instant from the document, or nil when
// nothing recognisable is present.
func CreatedAt(doc *Document) *time.Time {
	for _, key := range creationKeys {
		_, v, ok := doc.Lookup(key)
		if !ok {
			continue
		}
		if t, ok := asTime(v); ok {
			return &t
		}
	}
	if doc.Created != nil {
		t := doc.Created.UTC()
		return &t
	}
	return nil
}

func asTime(v Value) (time.Time, bool) {
	switch v.Kind() {
	case KindTime:
		if v.Time().IsZero() {
			return time.Time{}, false
		}
		return v.Time().UTC(), true
	case KindString:
		s := strings.TrimSpace(v.Str())
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	case KindNumber:
		n := v.Num()
		if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return time.Time{}, false
		}
		// Values this large are epoch milliseconds.
		if n >= 1e11 {
			return time.UnixMilli(int64(n)).UTC(), true
		}
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	return time.Time{}, false
}

// RawFieldNames lists every top-level key seen across docs, first-seen
// order, case preserved.
func RawFieldNames(docs []*Document) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		for _, k := range doc.keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

func canonical(fields []string) []string {
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
