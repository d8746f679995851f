package normalize

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// Options tunes the normalizer.
type Options struct {
	// CompanyFromName treats a bare nom/name value as the company when no
	// company field exists. It can file a person's name as the company identity.
	CompanyFromName bool
}

// Record is a candidate with its keys normalized and its canonical slots resolved.
type Record struct {
	Fields     map[string]string // Every normalized key with a flattened value
	Canonical  map[Slot]string   // Resolved lead attributes; only non-empty slots are present
	Additional map[string]string // Keys not consumed by a primary slot alias
}

// Flatten returns the record's fields in candidate form, suitable for another Normalize pass.
func (r Record) Flatten() models.CandidateRecord {
	out := make(models.CandidateRecord, len(r.Fields))
	for k, v := range r.Fields {
		out[k] = v
	}
	return out
}

// Get returns the canonical value of a slot, or an empty string.
func (r Record) Get(slot Slot) string {
	return r.Canonical[slot]
}

// Normalizer maps heterogeneous extracted keys onto canonical slots.
type Normalizer struct {
	opts Options
}

// New creates a Normalizer.
func New(opts Options) *Normalizer {
	return &Normalizer{opts: opts}
}

// Key lower-cases a field name and joins its words with underscores.
// It is idempotent: Key(Key(s)) == Key(s).
func Key(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r), r == '\'', r == '’', r == '-', r == '_':
			pendingSep = b.Len() > 0
		default:
			if pendingSep {
				b.WriteByte('_')
				pendingSep = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize canonicalizes one extracted record. It never fails: values that
// cannot be represented as text are JSON encoded.
func (n *Normalizer) Normalize(raw models.CandidateRecord) Record {
	rec := Record{
		Fields:     make(map[string]string, len(raw)),
		Canonical:  make(map[Slot]string),
		Additional: make(map[string]string),
	}

	rawKeys := make([]string, 0, len(raw))
	for k := range raw {
		rawKeys = append(rawKeys, k)
	}
	sort.Strings(rawKeys)
	for _, rk := range rawKeys {
		key := Key(rk)
		if key == "" {
			continue
		}
		value := flattenValue(raw[rk])
		// Colliding keys keep the first non-empty value
		if existing, ok := rec.Fields[key]; ok && existing != "" {
			continue
		}
		rec.Fields[key] = value
	}

	keys := sortedKeys(rec.Fields)
	consumed := make(map[string]bool)

	for _, entry := range aliasTable {
		for _, alias := range entry.aliases {
			if v := rec.Fields[alias]; v != "" {
				rec.Canonical[entry.slot] = v
				break
			}
		}
	}
	for _, key := range keys {
		if slot, ok := aliasIndex[key]; ok && primarySlots[slot] {
			consumed[key] = true
		}
	}

	for _, prefix := range slotPrefixes {
		for _, slot := range prefixedSlots {
			key := prefix + string(slot)
			if v := rec.Fields[key]; v != "" && rec.Canonical[slot] == "" {
				rec.Canonical[slot] = v
				consumed[key] = true
			}
		}
	}

	if rec.Canonical[SlotCompany] == "" {
		if key, v := findCompanyKey(rec.Fields, keys, consumed); v != "" {
			rec.Canonical[SlotCompany] = v
			consumed[key] = true
		}
	}
	if rec.Canonical[SlotCompany] == "" && n.opts.CompanyFromName {
		for _, key := range []string{"nom", "name"} {
			if v := rec.Fields[key]; v != "" {
				rec.Canonical[SlotCompany] = v
				break
			}
		}
	}

	if rec.Canonical[SlotEmail] == "" {
		for _, key := range keys {
			v := rec.Fields[key]
			if isHeuristicSource(key) && looksLikeEmail(v) {
				rec.Canonical[SlotEmail] = v
				break
			}
		}
	}
	if rec.Canonical[SlotPhone] == "" {
		for _, key := range keys {
			v := rec.Fields[key]
			if isHeuristicSource(key) && looksLikePhone(v) {
				rec.Canonical[SlotPhone] = v
				break
			}
		}
	}

	for _, key := range keys {
		if !consumed[key] {
			rec.Additional[key] = rec.Fields[key]
		}
	}
	return rec
}

// Resolve maps a schema field name onto the canonical slot it is an alias of.
func Resolve(field string) (Slot, bool) {
	key := Key(field)
	if slot, ok := aliasIndex[key]; ok {
		return slot, true
	}
	for _, prefix := range slotPrefixes {
		base, found := strings.CutPrefix(key, prefix)
		if !found {
			continue
		}
		for _, slot := range prefixedSlots {
			if base == string(slot) {
				return slot, true
			}
		}
	}
	return "", false
}

// minFuzzyLen keeps short keys such as "nom" from matching every field that contains them.
const minFuzzyLen = 4

// MatchKind records how Lookup found a value.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchExact
	MatchAlias
	MatchFuzzy
)

// Lookup finds the value of a schema field in a record: exact name first, then
// the alias slot the field resolves to, then a case- and whitespace-insensitive
// substring match between the field and any key holding a value.
func Lookup(rec Record, field string) (string, MatchKind) {
	if v := rec.Fields[field]; v != "" {
		return v, MatchExact
	}
	key := Key(field)
	if v := rec.Fields[key]; v != "" {
		return v, MatchExact
	}
	if slot, ok := Resolve(field); ok {
		if v := rec.Canonical[slot]; v != "" {
			return v, MatchAlias
		}
	}
	want := compact(field)
	if len(want) < minFuzzyLen {
		return "", MatchNone
	}
	for _, k := range sortedKeys(rec.Fields) {
		v := rec.Fields[k]
		if v == "" {
			continue
		}
		have := compact(k)
		if len(have) < minFuzzyLen {
			continue
		}
		if strings.Contains(have, want) || strings.Contains(want, have) {
			return v, MatchFuzzy
		}
	}
	return "", MatchNone
}

// ToSchema projects a record onto a structure's exact field names.
// Fields with no value map to an empty string.
func ToSchema(rec Record, fields []models.FieldDescriptor) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		v, _ := Lookup(rec, f.Name)
		out[f.Name] = v
	}
	return out
}

func findCompanyKey(fields map[string]string, keys []string, consumed map[string]bool) (string, string) {
	for _, key := range keys {
		v := fields[key]
		if v == "" || consumed[key] || isURLish(key) || isDescriptive(key) || isContactKey(key) {
			continue
		}
		for _, marker := range companyKeyMarkers {
			if strings.Contains(key, marker) {
				return key, v
			}
		}
	}
	return "", ""
}

var (
	urlishMarkers      = []string{"url", "site", "web", "linkedin", "link", "lien", "http"}
	descriptiveMarkers = []string{
		"description", "desc", "presentation", "résumé", "resume", "summary", "about",
		"note", "commentaire", "adresse", "address", "siret", "siren", "tva", "vat",
		"capital", "date", "code_postal", "postal", "zip", "taille", "size",
		"secteur", "sector", "industry", "activite",
	}
	contactMarkers = []string{"email", "mail", "phone", "tel", "mobile", "portable"}
)

func containsAny(key string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(key, m) {
			return true
		}
	}
	return false
}

func isURLish(key string) bool      { return containsAny(key, urlishMarkers) }
func isDescriptive(key string) bool { return containsAny(key, descriptiveMarkers) }
func isContactKey(key string) bool  { return containsAny(key, contactMarkers) }

// isHeuristicSource excludes keys whose values routinely carry @ signs or long digit runs.
func isHeuristicSource(key string) bool {
	return !isURLish(key) && !isDescriptive(key)
}

func looksLikeEmail(v string) bool {
	if len(v) <= 5 || strings.ContainsAny(v, " \n") {
		return false
	}
	lower := strings.ToLower(v)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return false
	}
	at := strings.Index(v, "@")
	return at > 0 && strings.Contains(v[at:], ".")
}

func looksLikePhone(v string) bool {
	if strings.Contains(v, "@") {
		return false
	}
	digits := 0
	for _, r := range v {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits >= 8
}

// compact lower-cases and strips separators for fuzzy comparison.
func compact(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) || r == '_' || r == '-' || r == '\'' || r == '’' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func flattenValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return utils.TidyText(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return utils.TidyText(val.String())
	}
	data, err := json.Marshal(v)
	if err != nil {
		return utils.TidyText(fmt.Sprint(v))
	}
	encoded := string(data)
	if encoded == "null" || encoded == "[]" || encoded == "{}" {
		return ""
	}
	return encoded
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
