// Package transcript splits caregiver–child transcripts into utterances.
//
// Transcript lines look like "[00:04] Caregiver: Oh, perfect". Lines without
// a recognised speaker tag are ignored when at least one tagged line exists;
// otherwise the whole text is treated as untagged speech.
package transcript

import (
	"regexp"
	"strings"

	"github.com/tsawler/prose/v3"
)

// CaregiverTags mark lines spoken by the caregiver.
var CaregiverTags = []string{"Caregiver:", "Mother:", "Woman:", "Dad:", "Mum:"}

// SpeakerTags mark every line considered for sentiment.
var SpeakerTags = []string{"Child:", "Caregiver:", "Mother:", "Dad:", "Mum:", "Woman:"}

// untagged text longer than this is split into sentences
const sentenceSplitThreshold = 512

var timestampPrefix = regexp.MustCompile(`^\s*\[\d{1,2}(?::\d{2}){1,2}\]\s*`)

// IsBlank reports whether text holds no speech at all.
func IsBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}

// TaggedLines returns the utterance text of every line carrying one of tags,
// with the timestamp prefix and speaker removed. Empty utterances are dropped.
func TaggedLines(text string, tags []string) []string {
	var out []string
	for _, ln := range strings.Split(text, "\n") {
		if !hasAnyTag(ln, tags) {
			continue
		}
		if u := stripSpeaker(ln); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// CaregiverLines returns the caregiver utterances, or the untagged fallback.
func CaregiverLines(text string) []string {
	if lines := TaggedLines(text, CaregiverTags); len(lines) > 0 {
		return lines
	}
	return Untagged(text)
}

// SpeakerLines returns every tagged utterance, or the untagged fallback.
func SpeakerLines(text string) []string {
	if lines := TaggedLines(text, SpeakerTags); len(lines) > 0 {
		return lines
	}
	return Untagged(text)
}

// Untagged treats text as a single utterance, splitting long text into
// sentences.
func Untagged(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= sentenceSplitThreshold {
		return []string{text}
	}
	if s := Sentences(text); len(s) > 0 {
		return s
	}
	return []string{text}
}

// Sentences splits text into sentences. It returns nil if segmentation fails.
func Sentences(text string) []string {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil
	}
	var out []string
	for _, s := range doc.Sentences() {
		if t := strings.TrimSpace(s.Text); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Snippet returns the first non-empty line of text cut to n runes.
func Snippet(text string, n int) string {
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		return Truncate(ln, n)
	}
	return ""
}

// Head returns the first n runes of text.
func Head(text string, n int) string {
	return Truncate(text, n)
}

// Tail returns the last n runes of text.
func Tail(text string, n int) string {
	r := []rune(text)
	if n <= 0 || len(r) <= n {
		return text
	}
	return string(r[len(r)-n:])
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n])
}

func hasAnyTag(line string, tags []string) bool {
	for _, t := range tags {
		if strings.Contains(line, t) {
			return true
		}
	}
	return false
}

func stripSpeaker(line string) string {
	line = timestampPrefix.ReplaceAllString(line, "")
	if i := strings.Index(line, ":"); i >= 0 {
		line = line[i+1:]
	}
	return strings.TrimSpace(line)
}
