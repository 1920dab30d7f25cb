package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAvailability(t *testing.T) {
	tests := map[string]Availability{
		"readily":        Ready,
		"available":      Ready,
		"after-download": Downloadable,
		"downloadable":   Downloadable,
		"downloading":    Downloading,
		"no":             Unavailable,
		"unavailable":    Unavailable,
		"something-new":  Unavailable,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseAvailability(in), in)
	}
}

func TestParseKind_RoundTrip(t *testing.T) {
	for _, k := range AllKinds {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("telepathy")
	assert.Error(t, err)
}

func TestOptionsKey(t *testing.T) {
	opts := Options{SourceLanguage: "es", TargetLanguage: "en", Mode: "tldr", Slot: "analysis"}
	assert.Equal(t, "es->en", opts.Key(Translate))
	assert.Equal(t, "tldr", opts.Key(Summarize))
	assert.Equal(t, "analysis", opts.Key(Prompt))
	assert.Equal(t, DefaultSlot, Options{}.Key(Prompt))
	assert.Equal(t, "", opts.Key(Write))
	assert.Equal(t, "", opts.Key(Proofread))
}

func TestOptionsFingerprint(t *testing.T) {
	t1, t2 := 0.2, 0.3
	a := Options{SystemPrompt: "x", Temperature: &t1}
	b := Options{SystemPrompt: "x", Temperature: &t1}
	c := Options{SystemPrompt: "x", Temperature: &t2}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestParamsClamp(t *testing.T) {
	p := Params{DefaultTemperature: 1, MaxTemperature: 2, DefaultTopK: 3, MaxTopK: 8}

	hot, bigK := 5.0, 100
	got := p.Clamp(Options{Temperature: &hot, TopK: &bigK})
	assert.Equal(t, 2.0, *got.Temperature)
	assert.Equal(t, 8, *got.TopK)

	cold, zeroK := -1.0, 0
	got = p.Clamp(Options{Temperature: &cold, TopK: &zeroK})
	assert.Equal(t, 0.0, *got.Temperature)
	assert.Equal(t, 1, *got.TopK)

	got = p.Clamp(Options{})
	assert.Equal(t, 1.0, *got.Temperature)
	assert.Equal(t, 3, *got.TopK)

	got = Params{}.Clamp(Options{Temperature: &hot})
	assert.Equal(t, 5.0, *got.Temperature)
	assert.Nil(t, got.TopK)
}
