package extract

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/leadforge/lead-scraper/pkg/models"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// wrapperKeys hold the record list when a model answers with an envelope object.
var wrapperKeys = []string{"contacts", "results", "data", "leads", "records", "items"}

// ParseRecords recovers candidate records from free model text. It tries, in
// order: fenced code blocks, the whole reply, then the first balanced JSON
// object or array. Unusable text yields nil.
func ParseRecords(reply string) []models.CandidateRecord {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil
	}

	var candidates []string
	for _, m := range fencedBlock.FindAllStringSubmatch(reply, -1) {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, reply)
	candidates = append(candidates, balancedSpans(reply, maxSpans)...)

	for _, c := range candidates {
		v, ok := decode(c)
		if !ok {
			continue
		}
		if records := unwrap(v, 0); len(records) > 0 {
			return records
		}
	}
	return nil
}

const maxSpans = 16

func decode(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}

// unwrap flattens arrays and envelope objects into a record list.
func unwrap(v any, depth int) []models.CandidateRecord {
	if depth > 3 {
		return nil
	}
	switch t := v.(type) {
	case []any:
		var out []models.CandidateRecord
		for _, item := range t {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, unwrap(obj, depth+1)...)
			}
		}
		return out
	case map[string]any:
		for _, key := range wrapperKeys {
			inner, ok := t[key]
			if !ok {
				continue
			}
			switch inner.(type) {
			case []any, map[string]any:
				return unwrap(inner, depth+1)
			}
		}
		if len(t) == 0 {
			return nil
		}
		return []models.CandidateRecord{models.CandidateRecord(t)}
	}
	return nil
}

// balancedSpans returns the top-level {...} and [...] spans whose brackets
// balance, ignoring brackets inside JSON strings.
func balancedSpans(s string, limit int) []string {
	var spans []string
	from := 0
	for len(spans) < limit {
		idx := strings.IndexAny(s[from:], "[{")
		if idx < 0 {
			break
		}
		start := from + idx
		end := matchClose(s, start)
		if end < 0 {
			from = start + 1
			continue
		}
		spans = append(spans, s[start:end+1])
		from = end + 1
	}
	return spans
}

func matchClose(s string, start int) int {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}
