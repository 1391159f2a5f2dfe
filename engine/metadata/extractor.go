// Package metadata implements the pure, non-suspending content-to-metadata
// extraction (C1): title/summary detection, auto-tagging, and fingerprinting.
package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/kinic-gateway/memory-agent/engine/domain"
)

// stopWords is the fixed, stable auto-tagging exclusion list.
var stopWords = map[string]bool{
	"the": true, "a": true, "of": true, "and": true, "is": true, "in": true,
	"to": true, "for": true, "with": true, "on": true, "this": true,
	"that": true, "are": true, "be": true, "it": true, "as": true, "by": true,
	"an": true, "or": true, "at": true, "from": true, "we": true, "you": true,
	"they": true, "i": true,
}

var headingPattern = regexp.MustCompile(`^#+\s+(.+)$`)

// Metadata is the result of extracting structured fields from RawContent.
type Metadata struct {
	Title       string
	Summary     string
	Tags        string
	Fingerprint string
}

// Extract derives Metadata from content, merging in any caller-supplied
// userTags ahead of the auto-generated tags. It is pure: same input always
// yields the same output, and it performs no I/O.
func Extract(content string, userTags string) (Metadata, error) {
	if strings.TrimSpace(content) == "" {
		return Metadata{}, domain.NewError(domain.KindBadRequest, "content must not be empty")
	}

	title, headingLine := extractTitle(content)
	return Metadata{
		Title:       title,
		Summary:     extractSummary(content, headingLine),
		Tags:        mergeTags(userTags, autoTags(content)),
		Fingerprint: fingerprint(content),
	}, nil
}

// extractTitle returns the title and, when it came from a heading line, that
// line's index so extractSummary can exclude it from the summary body.
// headingLine is -1 when the title fell back to the first non-empty line.
func extractTitle(content string) (string, int) {
	var firstNonEmpty string
	for i, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			return truncateCodePoints(strings.TrimSpace(m[1]), 100), i
		}
		if firstNonEmpty == "" && strings.TrimSpace(line) != "" {
			firstNonEmpty = strings.TrimSpace(line)
		}
	}
	return truncateCodePoints(firstNonEmpty, 100), -1
}

var (
	fencedCodePattern = regexp.MustCompile("```[\\s\\S]*?```")
	inlineCodePattern = regexp.MustCompile("`([^`]*)`")
	linkPattern       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	markdownMarkers   = regexp.MustCompile("[#*_]")
)

func extractSummary(content string, excludeLine int) string {
	body := content
	if excludeLine >= 0 {
		lines := strings.Split(content, "\n")
		if excludeLine < len(lines) {
			body = strings.Join(append(lines[:excludeLine:excludeLine], lines[excludeLine+1:]...), "\n")
		}
	}

	stripped := fencedCodePattern.ReplaceAllString(body, " ")
	stripped = linkPattern.ReplaceAllString(stripped, "$1")
	stripped = inlineCodePattern.ReplaceAllString(stripped, "$1")
	stripped = markdownMarkers.ReplaceAllString(stripped, "")

	var paragraphs []string
	for _, p := range strings.Split(stripped, "\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paragraphs = append(paragraphs, p)
		}
	}
	joined := strings.Join(paragraphs, " ")

	return truncateAtWordBoundary(joined, 200)
}

var tokenPattern = regexp.MustCompile(`[^a-z0-9]+`)

func autoTags(content string) []string {
	lower := strings.ToLower(content)
	tokens := tokenPattern.Split(lower, -1)

	type count struct {
		word  string
		freq  int
		first int
	}
	seen := make(map[string]*count)
	var order []string
	for i, tok := range tokens {
		if len(tok) < 3 || stopWords[tok] {
			continue
		}
		c, ok := seen[tok]
		if !ok {
			c = &count{word: tok, first: i}
			seen[tok] = c
			order = append(order, tok)
		}
		c.freq++
	}

	counts := make([]*count, 0, len(order))
	for _, w := range order {
		counts = append(counts, seen[w])
	}
	sort.SliceStable(counts, func(i, j int) bool {
		if counts[i].freq != counts[j].freq {
			return counts[i].freq > counts[j].freq
		}
		return counts[i].first < counts[j].first
	})

	n := 5
	if len(counts) < n {
		n = len(counts)
	}
	tags := make([]string, 0, n)
	for _, c := range counts[:n] {
		tags = append(tags, c.word)
	}
	return tags
}

func mergeTags(userTags string, auto []string) string {
	var merged []string
	present := make(map[string]bool)

	for _, t := range strings.Split(userTags, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || present[t] {
			continue
		}
		present[t] = true
		merged = append(merged, t)
	}
	for _, t := range auto {
		if present[t] {
			continue
		}
		present[t] = true
		merged = append(merged, t)
	}

	out := strings.Builder{}
	runes := 0
	for i, t := range merged {
		addition := t
		if i > 0 {
			addition = "," + t
		}
		if runes+len([]rune(addition)) > 200 {
			break
		}
		out.WriteString(addition)
		runes += len([]rune(addition))
	}
	return out.String()
}

func fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "0x" + hex.EncodeToString(sum[:])
}

// FingerprintBytes returns the raw SHA-256 digest of content, for callers
// (the chain-log contract binding) that need the fixed-size form rather
// than Metadata.Fingerprint's "0x"-prefixed hex string.
func FingerprintBytes(content string) [32]byte {
	return sha256.Sum256([]byte(content))
}

// AutoTagsOf exposes the auto-tagging logic for reuse outside a full
// Extract call — the pipeline's Flow II/III apply it to the query/message
// text itself, not to stored content.
func AutoTagsOf(text string) []string {
	return autoTags(text)
}

// Truncate shortens s to at most max code points at a word boundary,
// matching the summary-truncation rule extractSummary uses internally.
func Truncate(s string, max int) string {
	return truncateAtWordBoundary(s, max)
}

func truncateCodePoints(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return strings.TrimRight(s, " \t")
	}
	return strings.TrimRight(string(r[:max]), " \t")
}

func truncateAtWordBoundary(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	cut := string(r[:max])
	if max < len(r) && r[max] != ' ' {
		if idx := strings.LastIndex(cut, " "); idx > 0 {
			cut = cut[:idx]
		}
	}
	return strings.TrimRight(cut, " ")
}
