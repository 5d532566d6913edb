package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fragmentA() ProfileFragment {
	return ProfileFragment{
		Scent: ScentPreferences{
			Favorites: []string{"Jasmine", " rose "},
			Families:  []string{"floral"},
			Intensity: IntensityLight,
		},
		Style: StylePreferences{PrimaryStyle: "minimalist"},
		Personality: PersonalityTraits{
			Traits:     []string{"calm"},
			Confidence: map[string]float64{"calm": 0.4},
		},
	}
}

func fragmentB() ProfileFragment {
	return ProfileFragment{
		Scent: ScentPreferences{
			Favorites: []string{"vanilla"},
			Disliked:  []string{"musk"},
			Intensity: IntensityIntense,
		},
		Style: StylePreferences{PrimaryStyle: "casual", AllStyles: []string{"sporty"}},
		Personality: PersonalityTraits{
			PrimaryTrait: "creative",
			Confidence:   map[string]float64{"creative": 0.9, "calm": 0.7},
		},
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	var once Profile
	require.True(t, once.Merge(fragmentA()))

	twice := once
	twice.ProfileFragment = once.ProfileFragment.canonical()
	assert.False(t, twice.Merge(fragmentA()), "second merge of the same fragment should be a no-op")
	assert.Equal(t, once.ProfileFragment, twice.ProfileFragment)
}

func TestMergeIsCommutative(t *testing.T) {
	var ab, ba Profile
	ab.Merge(fragmentA())
	ab.Merge(fragmentB())
	ba.Merge(fragmentB())
	ba.Merge(fragmentA())

	assert.Equal(t, ab.ProfileFragment, ba.ProfileFragment)
	assert.Equal(t, []string{"jasmine", "rose", "vanilla"}, ab.Scent.Favorites)
	assert.Equal(t, []string{"musk"}, ab.Scent.Disliked)
	assert.Equal(t, IntensityIntense, ab.Scent.Intensity)
	assert.Equal(t, "casual", ab.Style.PrimaryStyle)
	assert.Equal(t, []string{"casual", "minimalist", "sporty"}, ab.Style.AllStyles)
	assert.Equal(t, "creative", ab.Personality.PrimaryTrait)
	assert.Equal(t, 0.7, ab.Personality.Confidence["calm"])
}

func TestMergeEmptyFragmentIsNoop(t *testing.T) {
	var p Profile
	p.Merge(fragmentA())
	before := p.ProfileFragment.canonical()

	assert.False(t, p.Merge(ProfileFragment{}))
	assert.False(t, p.Merge(ProfileFragment{Scent: ScentPreferences{Favorites: []string{"  "}, Intensity: "loud"}}))
	assert.Equal(t, before, p.ProfileFragment.canonical())
}

func TestNormalizedFoldsPrimariesIntoSets(t *testing.T) {
	f := ProfileFragment{
		Style:       StylePreferences{PrimaryStyle: "Bohemian"},
		Personality: PersonalityTraits{PrimaryTrait: "Curious", Confidence: map[string]float64{"bold": 3}},
	}.Normalized()

	assert.Equal(t, []string{"bohemian"}, f.Style.AllStyles)
	assert.Equal(t, []string{"bold", "curious"}, f.Personality.Traits)
	assert.Equal(t, 1.0, f.Personality.Confidence["bold"])
	assert.Equal(t, DefaultTraitConfidence, f.Personality.Confidence["curious"])
	assert.Equal(t, "bold", f.Personality.PrimaryTrait)
}

func TestSessionHelpers(t *testing.T) {
	s := &Session{ID: "s1"}
	s.Normalize()
	require.NotNil(t, s.Messages)

	_, ok := s.LastAssistant()
	assert.False(t, ok)

	s.Append(Message{Role: RoleUser, Content: "hi"})
	s.Append(Message{Role: RoleAssistant, Content: "hello"})
	last, ok := s.LastAssistant()
	require.True(t, ok)
	assert.Equal(t, "hello", last.Content)

	clone := s.Clone()
	clone.Messages[0].Content = "changed"
	assert.Equal(t, "hi", s.Messages[0].Content)
}
