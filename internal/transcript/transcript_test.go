package transcript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const sample = `[00:01] Mum: Time for lunch, sweetie.
[00:04] Child: I don't want peas!
[00:07] Mum: Just two bites, then you can play.
(background noise)
[00:10] Dad:`

func TestCaregiverLines(t *testing.T) {
	assert.Equal(t, []string{
		"Time for lunch, sweetie.",
		"Just two bites, then you can play.",
	}, CaregiverLines(sample))
}

func TestSpeakerLines(t *testing.T) {
	lines := SpeakerLines(sample)
	assert.Len(t, lines, 3)
	assert.Equal(t, "I don't want peas!", lines[1])
}

func TestUntaggedFallback(t *testing.T) {
	assert.Equal(t, []string{"just some words"}, CaregiverLines("  just some words \n"))
	assert.Nil(t, CaregiverLines("   "))
}

func TestUntaggedLongTextIsSplit(t *testing.T) {
	long := strings.Repeat("We went to the park today. ", 30)
	lines := Untagged(long)
	assert.Greater(t, len(lines), 1)
	for _, l := range lines {
		assert.NotEmpty(t, l)
	}
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "[00:01] Mum: Time", Snippet("\n\n"+sample, 17))
	assert.Equal(t, "", Snippet("  \n ", 10))
}

func TestHeadTailUnicode(t *testing.T) {
	assert.Equal(t, "äöü", Head("äöüß", 3))
	assert.Equal(t, "öüß", Tail("äöüß", 3))
	assert.Equal(t, "ab", Tail("ab", 5))
}

func TestIsBlank(t *testing.T) {
	assert.True(t, IsBlank(" \n\t"))
	assert.False(t, IsBlank("x"))
}

func TestHourLongTimestamps(t *testing.T) {
	text := "[01:02:03] Caregiver: Eat your peas.\n[01:02:09] Child: No!\n[1:05:00] Mum: Okay, dessert then."
	assert.Equal(t, []string{"Eat your peas.", "Okay, dessert then."}, CaregiverLines(text))
	assert.Equal(t, "No!", SpeakerLines(text)[1])
}
