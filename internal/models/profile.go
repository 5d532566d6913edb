package models

import (
	"sort"
	"strings"
	"time"
)

type Intensity string

const (
	IntensityLight   Intensity = "light"
	IntensityMedium  Intensity = "medium"
	IntensityIntense Intensity = "intense"
)

// rank orders intensities so merges can keep the strongest stated one.
func (i Intensity) rank() int {
	switch i {
	case IntensityLight:
		return 1
	case IntensityMedium:
		return 2
	case IntensityIntense:
		return 3
	}
	return 0
}

// ParseIntensity maps free text onto a known intensity, or "" when unknown.
func ParseIntensity(s string) Intensity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "light", "subtle", "soft":
		return IntensityLight
	case "medium", "moderate":
		return IntensityMedium
	case "intense", "strong", "heavy", "bold":
		return IntensityIntense
	}
	return ""
}

type ScentPreferences struct {
	Favorites []string  `json:"favorites"`
	Disliked  []string  `json:"disliked"`
	Families  []string  `json:"families"`
	Intensity Intensity `json:"intensity,omitempty"`
}

type StylePreferences struct {
	PrimaryStyle string   `json:"primary_style,omitempty"`
	AllStyles    []string `json:"all_styles"`
}

type PersonalityTraits struct {
	Traits       []string           `json:"traits"`
	PrimaryTrait string             `json:"primary_trait,omitempty"`
	Confidence   map[string]float64 `json:"confidence"`
}

// ProfileFragment is the output of one extraction run. Every field may be empty.
type ProfileFragment struct {
	Scent       ScentPreferences  `json:"scent_preferences"`
	Style       StylePreferences  `json:"style_preferences"`
	Personality PersonalityTraits `json:"personality_traits"`
}

// Profile is the owner-scoped aggregate of every fragment merged so far.
type Profile struct {
	OwnerID string `json:"owner_id"`
	ProfileFragment
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultTraitConfidence is assigned to a declared primary trait that arrived without a score.
const DefaultTraitConfidence = 0.5

// IsEmpty reports whether merging f would change nothing.
func (f ProfileFragment) IsEmpty() bool {
	return len(f.Scent.Favorites) == 0 &&
		len(f.Scent.Disliked) == 0 &&
		len(f.Scent.Families) == 0 &&
		f.Scent.Intensity.rank() == 0 &&
		f.Style.PrimaryStyle == "" &&
		len(f.Style.AllStyles) == 0 &&
		len(f.Personality.Traits) == 0 &&
		f.Personality.PrimaryTrait == "" &&
		len(f.Personality.Confidence) == 0
}

// Normalized returns a canonical copy: lowercase trimmed values, sorted
// deduplicated sets, known intensities only, confidences clamped to [0,1],
// and declared primaries folded into their sets.
func (f ProfileFragment) Normalized() ProfileFragment {
	var out ProfileFragment
	out.Scent.Favorites = union(nil, f.Scent.Favorites)
	out.Scent.Disliked = union(nil, f.Scent.Disliked)
	out.Scent.Families = union(nil, f.Scent.Families)
	out.Scent.Intensity = ParseIntensity(string(f.Scent.Intensity))

	out.Style.PrimaryStyle = clean(f.Style.PrimaryStyle)
	out.Style.AllStyles = union(nil, f.Style.AllStyles)
	if out.Style.PrimaryStyle != "" {
		out.Style.AllStyles = union(out.Style.AllStyles, []string{out.Style.PrimaryStyle})
	}

	out.Personality.Traits = union(nil, f.Personality.Traits)
	out.Personality.Confidence = map[string]float64{}
	for trait, score := range f.Personality.Confidence {
		trait = clean(trait)
		if trait == "" {
			continue
		}
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		if prev, ok := out.Personality.Confidence[trait]; !ok || score > prev {
			out.Personality.Confidence[trait] = score
		}
	}
	if primary := clean(f.Personality.PrimaryTrait); primary != "" {
		out.Personality.Traits = union(out.Personality.Traits, []string{primary})
		if _, ok := out.Personality.Confidence[primary]; !ok {
			out.Personality.Confidence[primary] = DefaultTraitConfidence
		}
	}
	for trait := range out.Personality.Confidence {
		out.Personality.Traits = union(out.Personality.Traits, []string{trait})
	}
	out.Personality.PrimaryTrait = pickPrimaryTrait(out.Personality.Traits, out.Personality.Confidence)
	return out
}

// Merge folds f into p and reports whether anything changed.
//
// Every field combines with an operation that is commutative, associative
// and idempotent: set union for lists, strongest intensity, the smallest
// declared primary style, per-trait max confidence. The primary trait is
// recomputed from the merged traits and confidences. Concurrent extraction
// runs therefore converge on the same profile whatever order they land in.
func (p *Profile) Merge(f ProfileFragment) bool {
	f = f.Normalized()
	if f.IsEmpty() {
		return false
	}
	before := p.ProfileFragment.canonical()
	cur := before.canonical()

	cur.Scent.Favorites = union(cur.Scent.Favorites, f.Scent.Favorites)
	cur.Scent.Disliked = union(cur.Scent.Disliked, f.Scent.Disliked)
	cur.Scent.Families = union(cur.Scent.Families, f.Scent.Families)
	if f.Scent.Intensity.rank() > cur.Scent.Intensity.rank() {
		cur.Scent.Intensity = f.Scent.Intensity
	}

	cur.Style.AllStyles = union(cur.Style.AllStyles, f.Style.AllStyles)
	if f.Style.PrimaryStyle != "" && (cur.Style.PrimaryStyle == "" || f.Style.PrimaryStyle < cur.Style.PrimaryStyle) {
		cur.Style.PrimaryStyle = f.Style.PrimaryStyle
	}

	cur.Personality.Traits = union(cur.Personality.Traits, f.Personality.Traits)
	for trait, score := range f.Personality.Confidence {
		if prev, ok := cur.Personality.Confidence[trait]; !ok || score > prev {
			cur.Personality.Confidence[trait] = score
		}
	}
	cur.Personality.PrimaryTrait = pickPrimaryTrait(cur.Personality.Traits, cur.Personality.Confidence)

	p.ProfileFragment = cur
	return !sameFragment(before, cur)
}

// canonical copies f with sorted sets and a non-nil confidence map. Unlike
// Normalized it adds no defaults, so stored profiles pass through unchanged.
func (f ProfileFragment) canonical() ProfileFragment {
	out := f
	out.Scent.Favorites = union(nil, f.Scent.Favorites)
	out.Scent.Disliked = union(nil, f.Scent.Disliked)
	out.Scent.Families = union(nil, f.Scent.Families)
	out.Style.AllStyles = union(nil, f.Style.AllStyles)
	out.Personality.Traits = union(nil, f.Personality.Traits)
	out.Personality.Confidence = make(map[string]float64, len(f.Personality.Confidence))
	for k, v := range f.Personality.Confidence {
		out.Personality.Confidence[k] = v
	}
	return out
}

func pickPrimaryTrait(traits []string, confidence map[string]float64) string {
	best := ""
	bestScore := -1.0
	for _, trait := range traits {
		score := confidence[trait]
		if score > bestScore || (score == bestScore && trait < best) {
			best, bestScore = trait, score
		}
	}
	return best
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			v = clean(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func clean(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func sameFragment(a, b ProfileFragment) bool {
	if !sameSet(a.Scent.Favorites, b.Scent.Favorites) ||
		!sameSet(a.Scent.Disliked, b.Scent.Disliked) ||
		!sameSet(a.Scent.Families, b.Scent.Families) ||
		a.Scent.Intensity != b.Scent.Intensity ||
		a.Style.PrimaryStyle != b.Style.PrimaryStyle ||
		!sameSet(a.Style.AllStyles, b.Style.AllStyles) ||
		!sameSet(a.Personality.Traits, b.Personality.Traits) ||
		a.Personality.PrimaryTrait != b.Personality.PrimaryTrait ||
		len(a.Personality.Confidence) != len(b.Personality.Confidence) {
		return false
	}
	for k, v := range a.Personality.Confidence {
		if w, ok := b.Personality.Confidence[k]; !ok || w != v {
			return false
		}
	}
	return true
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
