package profile

import (
	"context"
	"regexp"
	"strings"

	"scentchat/internal/models"
)

// Dislike phrases come first so "don't like" wins over the "like" inside it.
var preferenceVerbRe = regexp.MustCompile(`\b(?:(don't like|do not like|doesn't appeal|can't stand|cannot stand|not a fan of|not into|don't want|do not want|dislike|dislikes|hate|hates|detest|avoid)|(love|loves|like|likes|enjoy|enjoys|prefer|prefers|adore|adores|favou?rite is|favou?rites are|drawn to))\b`)

// Object spans end at sentence punctuation or a contrasting conjunction.
var clauseEndRe = regexp.MustCompile(`[.!?;:]|\bbut\b|\bthough\b|\balthough\b|\bbecause\b`)

var itemSplitRe = regexp.MustCompile(`\s*(?:,|&|/|\band\b|\bor\b|\bnor\b)\s*`)

var (
	articles = map[string]bool{"a": true, "an": true, "the": true, "some": true, "any": true, "really": true, "mostly": true, "very": true, "much": true, "more": true, "all": true}

	// cut an item at the first of these words
	itemStops = map[string]bool{"in": true, "for": true, "when": true, "with": true, "on": true, "at": true, "during": true, "since": true, "if": true, "so": true, "especially": true, "too": true, "that": true, "which": true, "as": true, "because": true}

	trailingNouns = map[string]bool{"scent": true, "scents": true, "fragrance": true, "fragrances": true, "smell": true, "smells": true, "perfume": true, "perfumes": true, "note": true, "notes": true, "vibes": true, "stuff": true}

	noiseItems = map[string]bool{"it": true, "that": true, "this": true, "them": true, "you": true, "me": true, "something": true, "anything": true, "everything": true, "one": true, "ones": true, "recommendation": true, "recommendations": true, "suggestion": true, "suggestions": true, "help": true, "idea": true, "ideas": true, "lot": true, "bit": true}

	// "like" in these positions is a comparison, not a preference.
	comparisonBefore = map[string]bool{"look": true, "looks": true, "seem": true, "seems": true, "feel": true, "feels": true, "smell": true, "smells": true, "something": true, "just": true, "sound": true, "sounds": true, "would": true, "i'd": true}
)

// familyKeywords maps a fragrance family to the notes that signal it.
var familyKeywords = map[string][]string{
	"floral":   {"floral", "flower", "flowers", "flowery", "rose", "jasmine", "lily", "peony", "gardenia", "tuberose", "violet", "lavender", "iris", "neroli", "orange blossom", "magnolia"},
	"woody":    {"woody", "wood", "woods", "sandalwood", "cedar", "cedarwood", "vetiver", "oud", "patchouli", "pine"},
	"citrus":   {"citrus", "lemon", "bergamot", "orange", "grapefruit", "lime", "mandarin", "yuzu"},
	"oriental": {"oriental", "amber", "spicy", "spice", "cinnamon", "incense", "saffron", "cardamom", "clove"},
	"fresh":    {"fresh", "aquatic", "marine", "ocean", "sea", "green", "clean", "mint", "cucumber", "ozonic"},
	"gourmand": {"gourmand", "vanilla", "caramel", "chocolate", "tonka", "coffee", "honey", "sweet"},
	"musky":    {"musk", "musky", "powdery", "leather"},
	"fruity":   {"fruity", "peach", "berry", "berries", "apple", "pear", "fig", "cherry", "plum"},
}

var intensityWords = map[string]models.Intensity{
	"light":    models.IntensityLight,
	"subtle":   models.IntensityLight,
	"soft":     models.IntensityLight,
	"delicate": models.IntensityLight,
	"airy":     models.IntensityLight,
	"moderate": models.IntensityMedium,
	"medium":   models.IntensityMedium,
	"intense":  models.IntensityIntense,
	"strong":   models.IntensityIntense,
	"heavy":    models.IntensityIntense,
	"powerful": models.IntensityIntense,
	"rich":     models.IntensityIntense,
}

var (
	intensityRe       = regexp.MustCompile(`\b(light|subtle|soft|delicate|airy|moderate|medium|intense|strong|heavy|powerful|rich)(?:\s+[a-z']+)?\s+(?:scents?|fragrances?|perfumes?|smells?|notes?|ones?)\b`)
	intensityAfterRe  = regexp.MustCompile(`\b(?:something|prefer(?:ring)?|like|want)\s+(?:more\s+|really\s+|very\s+)?(light|subtle|soft|delicate|airy|moderate|medium|intense|strong|heavy|powerful|rich)\b`)
	notTooIntenseRe   = regexp.MustCompile(`\b(?:not|nothing)\s+(?:too|that|very|overly)\s+(?:strong|heavy|intense|powerful|overpowering)\b`)
	styleCueRe        = regexp.MustCompile(`\b(?:style|dress|dresses|dressing|wear|wearing|fashion|outfits?|clothes|clothing|look)\b`)
	styleIsRe         = regexp.MustCompile(`\bstyle is\s+(?:pretty\s+|mostly\s+|very\s+|more\s+)?([a-z-]+)`)
	sentenceSplitRe   = regexp.MustCompile(`[.!?;\n]+`)
	wordRe            = regexp.MustCompile(`[a-z][a-z'-]*`)
	negatedTraitWords = map[string]bool{"not": true, "never": true, "isn't": true, "not very": true}
)

// styleVocabulary maps style words onto the canonical style name.
var styleVocabulary = map[string]string{
	"casual":     "casual",
	"relaxed":    "casual",
	"formal":     "formal",
	"business":   "business",
	"elegant":    "elegant",
	"classy":     "elegant",
	"sporty":     "sporty",
	"athletic":   "sporty",
	"athleisure": "sporty",
	"bohemian":   "bohemian",
	"boho":       "bohemian",
	"minimalist": "minimalist",
	"minimal":    "minimalist",
	"classic":    "classic",
	"edgy":       "edgy",
	"grunge":     "edgy",
	"punk":       "edgy",
	"vintage":    "vintage",
	"retro":      "vintage",
	"preppy":     "preppy",
	"streetwear": "streetwear",
	"street":     "streetwear",
	"romantic":   "romantic",
	"chic":       "chic",
	"glamorous":  "glamorous",
	"glam":       "glamorous",
}

var traitKeywords = []string{
	"creative", "adventurous", "calm", "outgoing", "introverted", "extroverted", "friendly", "ambitious",
	"thoughtful", "spontaneous", "organized", "curious", "empathetic", "optimistic", "realistic", "playful",
	"serious", "bold", "shy", "confident", "sensitive", "practical", "imaginative", "analytical",
}

// KeywordStrategy extracts preferences with local phrase matching. It needs
// no network access and always succeeds.
type KeywordStrategy struct{}

func NewKeywordStrategy() KeywordStrategy {
	return KeywordStrategy{}
}

func (KeywordStrategy) Extract(_ context.Context, text string) (models.ProfileFragment, error) {
	text = normalizeText(text)
	var frag models.ProfileFragment
	frag.Scent.Favorites, frag.Scent.Disliked = scentPreferences(text)
	frag.Scent.Families = families(frag.Scent.Favorites)
	frag.Scent.Intensity = intensity(text)
	frag.Style.PrimaryStyle, frag.Style.AllStyles = styles(text)
	frag.Personality.Traits, frag.Personality.Confidence = traits(text)
	return frag.Normalized(), nil
}

func normalizeText(text string) string {
	text = strings.ToLower(text)
	return strings.NewReplacer("’", "'", "‘", "'", "dont ", "don't ", "cant ", "can't ").Replace(text)
}

func scentPreferences(text string) (liked, disliked []string) {
	matches := preferenceVerbRe.FindAllStringSubmatchIndex(text, -1)
	for i, m := range matches {
		negative := m[2] != -1
		if !negative && text[m[4]:m[5]] == "like" && comparisonBefore[previousWord(text, m[0])] {
			continue
		}
		spanEnd := len(text)
		if i+1 < len(matches) {
			spanEnd = matches[i+1][0]
		}
		span := text[m[1]:spanEnd]
		if loc := clauseEndRe.FindStringIndex(span); loc != nil {
			span = span[:loc[0]]
		}
		for _, item := range itemSplitRe.Split(span, -1) {
			item = cleanItem(item)
			if item == "" {
				continue
			}
			if negative {
				disliked = append(disliked, item)
			} else {
				liked = append(liked, item)
			}
		}
	}
	return liked, disliked
}

func previousWord(text string, end int) string {
	fields := strings.Fields(text[:end])
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[len(fields)-1], ",")
}

// cleanItem reduces an object phrase to the scent it names, or "".
func cleanItem(item string) string {
	words := wordRe.FindAllString(item, -1)
	if len(words) > 0 && (words[0] == "to" || words[0] == "being" || words[0] == "how") {
		return ""
	}
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if itemStops[w] {
			break
		}
		if len(kept) == 0 && (articles[w] || intensityWords[w] != "") {
			continue
		}
		kept = append(kept, w)
	}
	for len(kept) > 0 && trailingNouns[kept[len(kept)-1]] {
		kept = kept[:len(kept)-1]
	}
	if len(kept) == 0 || len(kept) > 3 {
		return ""
	}
	out := strings.Join(kept, " ")
	if noiseItems[out] {
		return ""
	}
	return out
}

func families(favorites []string) []string {
	var out []string
	for _, item := range favorites {
		padded := " " + item + " "
		for family, keywords := range familyKeywords {
			for _, kw := range keywords {
				if strings.Contains(padded, " "+kw+" ") {
					out = append(out, family)
					break
				}
			}
		}
	}
	return out
}

func intensity(text string) models.Intensity {
	if notTooIntenseRe.MatchString(text) {
		return models.IntensityLight
	}
	if m := intensityRe.FindStringSubmatch(text); m != nil {
		return intensityWords[m[1]]
	}
	if m := intensityAfterRe.FindStringSubmatch(text); m != nil {
		return intensityWords[m[1]]
	}
	return ""
}

// styles only looks at sentences that talk about clothing.
func styles(text string) (primary string, all []string) {
	if m := styleIsRe.FindStringSubmatch(text); m != nil {
		primary = styleVocabulary[m[1]]
	}
	for _, sentence := range sentenceSplitRe.Split(text, -1) {
		if !styleCueRe.MatchString(sentence) {
			continue
		}
		for _, w := range wordRe.FindAllString(sentence, -1) {
			if style, ok := styleVocabulary[w]; ok {
				all = append(all, style)
				if primary == "" {
					primary = style
				}
			}
		}
	}
	return primary, all
}

// traits scores each mentioned trait by how often it appears, skipping negated mentions.
func traits(text string) ([]string, map[string]float64) {
	words := wordRe.FindAllString(text, -1)
	counts := make(map[string]int)
	known := make(map[string]bool, len(traitKeywords))
	for _, t := range traitKeywords {
		known[t] = true
	}
	for i, w := range words {
		if !known[w] {
			continue
		}
		if i > 0 && negatedTraitWords[words[i-1]] {
			continue
		}
		if i > 1 && negatedTraitWords[words[i-2]+" "+words[i-1]] {
			continue
		}
		counts[w]++
	}
	if len(counts) == 0 {
		return nil, nil
	}
	found := make([]string, 0, len(counts))
	confidence := make(map[string]float64, len(counts))
	for trait, n := range counts {
		found = append(found, trait)
		confidence[trait] = traitConfidence(n)
	}
	return found, confidence
}

func traitConfidence(mentions int) float64 {
	score := 0.4 + 0.2*float64(mentions)
	if score > 1 {
		score = 1
	}
	return score
}
