package engine

import (
	"math"
	"slices"
	"strings"
	"unicode"

	"github.com/lazypower/recall/internal/memory"
)

// Content size limits (approximate token → char conversion: 1 token ≈ 4 chars).
const (
	maxContentChars = 40000 // ~10K tokens
	maxTags         = 32
	maxQueryChars   = 8000
	maxLimit        = 100
	maxFeedbackIDs  = 100
	defaultDomain   = "general"
)

// StoreRequest is the input for storing a new memory. Unset fields take
// their defaults in normalize.
type StoreRequest struct {
	Content    string            `json:"content"`
	Type       memory.MemoryType `json:"memory_type,omitempty"`
	Domain     string            `json:"domain,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Source     memory.Source     `json:"source,omitempty"`
	Importance *float64          `json:"importance,omitempty"`
	Confidence *float64          `json:"confidence,omitempty"`
	Durability memory.Durability `json:"durability,omitempty"`
	Pinned     bool              `json:"pinned,omitempty"`
}

// normalize validates the request and returns a sanitized copy with
// defaults filled in. Every rejected field is reported at once.
func (r StoreRequest) normalize() (StoreRequest, error) {
	v := &memory.ValidationError{}

	r.Content = strings.TrimSpace(r.Content)
	if r.Content == "" {
		v.Add("content", "must not be empty")
	}
	if len(r.Content) > maxContentChars {
		r.Content = truncateClean(r.Content, maxContentChars)
	}

	if r.Type == "" {
		r.Type = memory.TypeSemantic
	} else if !r.Type.Valid() {
		v.Add("memory_type", "unknown memory type %q", r.Type)
	}
	if r.Source == "" {
		r.Source = memory.SourceUser
	} else if !r.Source.Valid() {
		v.Add("source", "unknown source %q", r.Source)
	}
	if !r.Durability.Valid() {
		v.Add("durability", "unknown durability tier %q", r.Durability)
	}

	if r.Domain = sanitizeLabel(r.Domain); r.Domain == "" {
		r.Domain = defaultDomain
	}

	if r.Importance == nil {
		r.Importance = memory.Float(0.5)
	} else if !unitInterval(*r.Importance) {
		v.Add("importance", "must be in [0, 1], got %v", *r.Importance)
	}
	if r.Confidence == nil {
		r.Confidence = memory.Float(0.8)
	} else if !unitInterval(*r.Confidence) {
		v.Add("confidence", "must be in [0, 1], got %v", *r.Confidence)
	}

	r.Tags = sanitizeTags(r.Tags)
	if len(r.Tags) > maxTags {
		v.Add("tags", "at most %d tags allowed, got %d", maxTags, len(r.Tags))
	}

	return r, v.Err()
}

func unitInterval(f float64) bool {
	return !math.IsNaN(f) && f >= 0 && f <= 1
}

// validLabelChar returns true if the character is allowed in a domain or tag.
// Allowed: lowercase alphanumeric, hyphens, underscores, colons.
func validLabelChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == ':'
}

// sanitizeLabel normalizes a domain or tag to [a-z0-9_:-].
// Uppercases become lowercase, spaces/dots/slashes become hyphens, invalid
// chars are dropped. Returns empty string if nothing survives.
func sanitizeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}

	var b strings.Builder
	prevHyphen := false
	for _, r := range strings.ToLower(label) {
		if validLabelChar(r) {
			b.WriteRune(r)
			prevHyphen = (r == '-')
		} else if r == ' ' || r == '.' || r == '/' {
			// Collapse separators to single hyphen
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}

	return strings.Trim(b.String(), "-_")
}

// sanitizeTags sanitizes, dedupes and sorts tags.
func sanitizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = sanitizeLabel(t); t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// validate checks a search request. The empty query case is not an error.
func (r SearchRequest) validate() error {
	v := &memory.ValidationError{}
	if len(r.Query) > maxQueryChars {
		v.Add("query", "longer than %d characters", maxQueryChars)
	}
	if r.Limit < 0 || r.Limit > maxLimit {
		v.Add("limit", "must be in [0, %d], got %d", maxLimit, r.Limit)
	}
	if r.MaxDepth < 0 {
		v.Add("max_depth", "must be >= 0")
	}
	if !unitInterval(r.Filters.MinImportance) {
		v.Add("min_importance", "must be in [0, 1]")
	}
	for _, t := range r.Filters.Types {
		if !t.Valid() {
			v.Add("memory_types", "unknown memory type %q", t)
		}
	}
	return v.Err()
}

// truncateClean truncates a string to maxLen, cutting at the last word boundary
// to avoid mid-word breaks.
func truncateClean(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	// Back up to last space
	truncated := s[:maxLen]
	if idx := strings.LastIndexFunc(truncated, unicode.IsSpace); idx > maxLen-200 {
		truncated = truncated[:idx]
	}
	return strings.TrimSpace(truncated)
}
