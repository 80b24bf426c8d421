package models

import "strings"

// Filter is a metadata predicate over segments. All set fields must hold (AND).
// The zero Filter matches everything.
type Filter struct {
	RequiredTags []string `json:"required_tags,omitempty"`
	MinQuality   *float64 `json:"min_quality,omitempty"`
	MinDuration  *float64 `json:"min_duration,omitempty"`
	PathPrefix   string   `json:"path_prefix,omitempty"`
}

// Match reports whether seg satisfies every condition of the filter.
func (f Filter) Match(seg *Segment) bool {
	if seg == nil {
		return false
	}
	if f.MinQuality != nil && seg.Quality < *f.MinQuality {
		return false
	}
	if f.MinDuration != nil && seg.Duration() < *f.MinDuration {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(seg.FilePath, f.PathPrefix) {
		return false
	}
	return seg.HasTags(f.RequiredTags)
}

// And combines two filters; the result matches only segments both match.
func (f Filter) And(other Filter) Filter {
	out := Filter{
		RequiredTags: NormalizeTags(append(append([]string(nil), f.RequiredTags...), other.RequiredTags...)),
		MinQuality:   maxPtr(f.MinQuality, other.MinQuality),
		MinDuration:  maxPtr(f.MinDuration, other.MinDuration),
		PathPrefix:   f.PathPrefix,
	}
	switch {
	case f.PathPrefix == "":
		out.PathPrefix = other.PathPrefix
	case other.PathPrefix == "":
	case strings.HasPrefix(other.PathPrefix, f.PathPrefix):
		out.PathPrefix = other.PathPrefix
	case strings.HasPrefix(f.PathPrefix, other.PathPrefix):
	default:
		// Disjoint prefixes can never both match. A NUL byte never occurs in a path.
		out.PathPrefix = "\x00"
	}
	return out
}

// IsZero reports whether the filter has no conditions.
func (f Filter) IsZero() bool {
	return len(f.RequiredTags) == 0 && f.MinQuality == nil && f.MinDuration == nil && f.PathPrefix == ""
}

func maxPtr(a, b *float64) *float64 {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case *a >= *b:
		return a
	default:
		return b
	}
}

// Float64 returns a pointer to v, for optional filter fields.
func Float64(v float64) *float64 { return &v }
