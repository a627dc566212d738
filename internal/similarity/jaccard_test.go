package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "what are our pricing tiers", "what are our pricing tiers", 1},
		{"both empty", "", "", 1},
		{"whitespace only counts as empty", "   ", "", 1},
		{"one empty", "pricing", "", 0},
		{"other empty", "", "pricing", 0},
		{"disjoint", "alpha beta", "gamma delta", 0},
		{"half overlap", "a b", "b c", 1.0 / 3.0},
		{"order independent", "tiers pricing our", "our pricing tiers", 1},
		{"duplicates collapse", "a a a b", "a b", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

func TestJaccard_Symmetric(t *testing.T) {
	pairs := [][2]string{
		{"what are our pricing tiers", "what are the pricing tiers"},
		{"one two three", "three four"},
		{"x", "x y z w"},
	}
	for _, p := range pairs {
		assert.Equal(t, Jaccard(p[0], p[1]), Jaccard(p[1], p[0]))
	}
}

func TestJaccard_ThresholdExamples(t *testing.T) {
	// 12 shared tokens out of 13 total: 0.923.
	base := "a b c d e f g h i j k l"
	assert.GreaterOrEqual(t, Jaccard(base, base+" m"), 0.90)

	// 17 shared out of 20 total: 0.85.
	long := "a b c d e f g h i j k l m n o p q r"
	other := "a b c d e f g h i j k l m n o p q s t"
	assert.InDelta(t, 0.85, Jaccard(long, other), 1e-9)
	assert.Less(t, Jaccard(long, other), 0.90)
}

func TestJaccard_IgnoresSurroundingPunctuation(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard("what are our pricing tiers?", "what are our pricing tiers"))
	assert.Equal(t, 1.0, Jaccard("don't", "don't"))
}

func TestJaccard_PunctuationOnlyIsNotEmpty(t *testing.T) {
	assert.Equal(t, 0.0, Jaccard("?", ""))
	assert.Equal(t, 0.0, Jaccard("", "?!"))
	assert.Equal(t, 0.0, Jaccard("??", "!!"))
	assert.Equal(t, 1.0, Jaccard("???", "???"))
	assert.Equal(t, 0.5, Jaccard("pricing ?", "pricing"))
}

func TestTokens(t *testing.T) {
	got := Tokens("  what  are\tour\npricing what ")
	assert.Len(t, got, 4)
	assert.Contains(t, got, "what")
	assert.Contains(t, got, "pricing")
}
