package history

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scentchat/internal/models"
)

func msgs(contents ...string) []models.Message {
	out := make([]models.Message, len(contents))
	for i, c := range contents {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		out[i] = models.Message{Role: role, Content: c}
	}
	return out
}

func contents(ms []models.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Content
	}
	return out
}

var wordCount = EstimatorFunc(func(s string) int { return len(strings.Fields(s)) })

func TestTruncateKeepsLongestFittingSuffix(t *testing.T) {
	in := msgs("one two three", "four five", "six", "seven eight")
	got := Truncate(in, 5, wordCount)
	assert.Equal(t, []string{"four five", "six", "seven eight"}, contents(got))
}

func TestTruncateStopsAtFirstOverflow(t *testing.T) {
	// "big" does not fit, so the small message before it is dropped too.
	in := msgs("a", "big big big big", "b")
	got := Truncate(in, 3, wordCount)
	assert.Equal(t, []string{"b"}, contents(got))
}

func TestTruncateOversizeLastMessageYieldsEmpty(t *testing.T) {
	in := msgs("short", "this one is far too long")
	got := Truncate(in, 3, wordCount)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestTruncateDoesNotMutateInput(t *testing.T) {
	in := msgs("one", "two", "three")
	snapshot := append([]models.Message(nil), in...)
	got := Truncate(in, 2, wordCount)
	got[0].Content = "changed"
	assert.Equal(t, snapshot, in)
}

func TestTruncateDefaultsToCharEstimate(t *testing.T) {
	in := msgs(strings.Repeat("x", 40), strings.Repeat("y", 7))
	// 40/4 = 10 and 7/4 = 1 tokens.
	assert.Len(t, Truncate(in, 10, nil), 1)
	assert.Len(t, Truncate(in, 11, nil), 2)
	assert.Equal(t, 11, Total(in, nil))
}

func TestTruncateBudgetProperty(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	est := CharEstimator{}
	for i := 0; i < 500; i++ {
		n := r.Intn(8)
		in := make([]models.Message, n)
		for j := range in {
			in[j] = models.Message{Role: models.RoleUser, Content: strings.Repeat("z", r.Intn(80))}
		}
		budget := r.Intn(40)
		got := Truncate(in, budget, est)

		require.LessOrEqual(t, Total(got, est), budget)
		if n > 0 {
			lastTooBig := est.Estimate(in[n-1].Content) > budget
			assert.Equal(t, lastTooBig, len(got) == 0, "case %d", i)
		}
		// got must be a suffix of in.
		assert.Equal(t, in[n-len(got):], got)
	}
}
