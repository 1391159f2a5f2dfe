package metadata

import (
	"strings"
	"testing"
)

func TestExtractEmptyContent(t *testing.T) {
	if _, err := Extract("   \n\t", ""); err == nil {
		t.Fatal("expected error for whitespace-only content")
	}
}

func TestExtractTitleFromHeading(t *testing.T) {
	m, err := Extract("intro line\n## My Title\nbody text", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Title != "My Title" {
		t.Errorf("Title = %q, want %q", m.Title, "My Title")
	}
}

func TestExtractTitleFallsBackToFirstLine(t *testing.T) {
	m, err := Extract("just a plain first line\nsecond line", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Title != "just a plain first line" {
		t.Errorf("Title = %q", m.Title)
	}
}

func TestExtractTitleTruncatedTo100(t *testing.T) {
	long := strings.Repeat("a", 150)
	m, err := Extract(long, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len([]rune(m.Title)) != 100 {
		t.Errorf("Title length = %d, want 100", len([]rune(m.Title)))
	}
}

func TestExtractSummaryStripsMarkdown(t *testing.T) {
	m, err := Extract("# Heading\n\nSome **bold** and `code` and [a link](http://x).", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(m.Summary, "*") || strings.Contains(m.Summary, "`") || strings.Contains(m.Summary, "[") {
		t.Errorf("Summary still contains markdown: %q", m.Summary)
	}
	if !strings.Contains(m.Summary, "a link") {
		t.Errorf("Summary should keep link anchor text: %q", m.Summary)
	}
}

func TestExtractSummaryExcludesHeadingLine(t *testing.T) {
	m, err := Extract("# ZKML\nJolt Atlas enables verifiable ML", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(m.Summary, "Jolt Atlas enables verifiable ML") {
		t.Errorf("Summary = %q, want it to start with %q", m.Summary, "Jolt Atlas enables verifiable ML")
	}
	if strings.Contains(m.Summary, "ZKML") {
		t.Errorf("Summary should not repeat the heading used as title: %q", m.Summary)
	}
}

func TestExtractAutoTagsTopFiveByFrequency(t *testing.T) {
	content := "apple apple apple banana banana cherry date elderberry"
	m, err := Extract(content, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tags := strings.Split(m.Tags, ",")
	if tags[0] != "apple" {
		t.Errorf("expected most frequent tag first, got %q", tags[0])
	}
}

func TestExtractMergeUserTagsFirst(t *testing.T) {
	m, err := Extract("apple apple banana cherry date elderberry fig", "Zeta, Alpha")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tags := strings.Split(m.Tags, ",")
	if tags[0] != "zeta" || tags[1] != "alpha" {
		t.Errorf("expected user tags first lowercased, got %v", tags[:2])
	}
}

func TestExtractFingerprintDeterministic(t *testing.T) {
	content := "stable content for hashing"
	m1, _ := Extract(content, "")
	m2, _ := Extract(content, "")
	if m1.Fingerprint != m2.Fingerprint {
		t.Fatal("fingerprint must be deterministic")
	}
	if !strings.HasPrefix(m1.Fingerprint, "0x") || len(m1.Fingerprint) != 66 {
		t.Errorf("Fingerprint = %q, want 0x + 64 hex chars", m1.Fingerprint)
	}
}

func TestExtractFingerprintDiffersOnContent(t *testing.T) {
	m1, _ := Extract("content one", "")
	m2, _ := Extract("content two", "")
	if m1.Fingerprint == m2.Fingerprint {
		t.Fatal("different content must yield different fingerprints")
	}
}
