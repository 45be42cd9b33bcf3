// Package semantic implements the phrase-substitution compression stage:
// repeated word sequences in text payloads are replaced by short reference
// tokens, with the token→phrase map travelling alongside the content so the
// transform is exactly reversible.
package semantic

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// sentinel prefixes every reference token. Literal occurrences in the
	// payload are escaped before substitution so round-trip stays exact.
	sentinel = "§" // §

	// escapeMark replaces literal sentinels. It can never collide with a
	// token, whose first character after the sentinel is always a digit.
	escapeMark = sentinel + "E"

	minPhraseWords = 3
	maxPhraseWords = 10
	minOccurrences = 3

	// tagOccurrences is the relaxed threshold for phrases containing a
	// caller-supplied context tag.
	tagOccurrences = 2

	// minPhraseBytes filters out phrases too short to pay for their map
	// entry and token.
	minPhraseBytes = 12

	// maxSubstitutions caps the substitution map per payload.
	maxSubstitutions = 64
)

// MaxAnalyzeSize is the largest payload the stage will analyze. Larger
// payloads bypass to the binary codec, which handles bulk redundancy well
// on its own.
const MaxAnalyzeSize = 1 << 20

// Result is the output of a successful compression: the transformed text
// and the map needed to reverse it.
type Result struct {
	Content        string
	Substitutions  map[string]string
	OriginalLength int
}

// Compress analyzes data for repeated word sequences and substitutes
// reference tokens for them. ok is false when the stage bypasses: non-text
// input, oversized input, or no substitution that shrinks the payload. The
// caller stores the raw bytes in that case and mirrors the bypass on read.
//
// contextTags mark domain vocabulary: phrases containing a tag qualify at a
// lower repetition threshold.
func Compress(data []byte, contextTags []string) (*Result, bool) {
	if len(data) == 0 || len(data) > MaxAnalyzeSize || !utf8.Valid(data) {
		return nil, false
	}

	escaped := strings.ReplaceAll(string(data), sentinel, escapeMark)

	// Splitting on single spaces keeps the token stream lossless: runs of
	// spaces become empty words and Join restores them exactly.
	words := strings.Split(escaped, " ")
	if len(words) < minPhraseWords {
		return nil, false
	}

	candidates := minePhrases(words, contextTags)
	if len(candidates) == 0 {
		return nil, false
	}

	content, subs := substitute(words, candidates)
	if len(subs) == 0 {
		return nil, false
	}

	// Bypass unless the transform actually shrank the payload, counting
	// the map the reader will need.
	mapBytes := 0
	for token, phrase := range subs {
		mapBytes += len(token) + len(phrase) + 8
	}
	if len(content)+mapBytes >= len(data) {
		return nil, false
	}

	return &Result{
		Content:        content,
		Substitutions:  subs,
		OriginalLength: len(data),
	}, true
}

// Decompress expands reference tokens back into their phrases and restores
// escaped sentinels, returning the original bytes.
func Decompress(content string, subs map[string]string) ([]byte, error) {
	words := strings.Split(content, " ")
	out := make([]string, 0, len(words))

	for _, word := range words {
		if phrase, ok := subs[word]; ok {
			out = append(out, strings.Split(phrase, " ")...)
			continue
		}
		if isTokenShaped(word) {
			return nil, fmt.Errorf("unknown substitution token %q", word)
		}
		out = append(out, word)
	}

	restored := strings.ReplaceAll(strings.Join(out, " "), escapeMark, sentinel)
	return []byte(restored), nil
}

// isTokenShaped reports whether a word looks like a reference token
// (sentinel followed by a digit). Escaped literals never match: their first
// character after the sentinel is 'E'.
func isTokenShaped(word string) bool {
	rest, ok := strings.CutPrefix(word, sentinel)
	if !ok || rest == "" {
		return false
	}
	return rest[0] >= '0' && rest[0] <= '9'
}

// phrase is a substitution candidate mined from the word stream.
type phrase struct {
	text  string
	words []string
	count int
}

// minePhrases counts word n-grams of length 3–10 and returns those repeated
// often enough to be worth a token, most valuable first.
func minePhrases(words []string, contextTags []string) []phrase {
	counts := make(map[string]int)

	for n := minPhraseWords; n <= maxPhraseWords; n++ {
		if n > len(words) {
			break
		}
		for i := 0; i+n <= len(words); i++ {
			gram := strings.Join(words[i:i+n], " ")
			if len(gram) < minPhraseBytes {
				continue
			}
			counts[gram]++
		}
	}

	var out []phrase
	for text, count := range counts {
		if count < requiredOccurrences(text, contextTags) {
			continue
		}
		out = append(out, phrase{
			text:  text,
			words: strings.Split(text, " "),
			count: count,
		})
	}

	// Longest first so the substitution pass captures maximal phrases;
	// count and text break ties deterministically.
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].words) != len(out[j].words) {
			return len(out[i].words) > len(out[j].words)
		}
		if len(out[i].text) != len(out[j].text) {
			return len(out[i].text) > len(out[j].text)
		}
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].text < out[j].text
	})

	return out
}

func requiredOccurrences(text string, contextTags []string) int {
	for _, tag := range contextTags {
		if tag != "" && strings.Contains(strings.ToLower(text), strings.ToLower(tag)) {
			return tagOccurrences
		}
	}
	return minOccurrences
}

// substitute walks the word stream left to right, replacing the longest
// matching candidate at each position with its token. Tokens are assigned
// on first use so the returned map holds only phrases that actually occur.
func substitute(words []string, candidates []phrase) (string, map[string]string) {
	// Group candidates by first word for cheap position lookup; each group
	// stays in mining order (longest first).
	byFirst := make(map[string][]phrase)
	for _, c := range candidates {
		byFirst[c.words[0]] = append(byFirst[c.words[0]], c)
	}

	subs := make(map[string]string)
	tokens := make(map[string]string) // phrase text → token
	out := make([]string, 0, len(words))

	for i := 0; i < len(words); {
		var matched *phrase
		for idx := range byFirst[words[i]] {
			c := &byFirst[words[i]][idx]
			if i+len(c.words) > len(words) {
				continue
			}
			if equalWords(words[i:i+len(c.words)], c.words) {
				matched = c
				break
			}
		}

		if matched == nil {
			out = append(out, words[i])
			i++
			continue
		}

		token, ok := tokens[matched.text]
		if !ok {
			if len(tokens) >= maxSubstitutions {
				out = append(out, words[i])
				i++
				continue
			}
			token = sentinel + strconv.Itoa(len(tokens))
			tokens[matched.text] = token
			subs[token] = matched.text
		}
		out = append(out, token)
		i += len(matched.words)
	}

	return strings.Join(out, " "), subs
}

func equalWords(a, b []string) bool {
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
