package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateContentEmpty(t *testing.T) {
	err := ValidateContent("   ")
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindBadRequest {
		t.Fatalf("expected KindBadRequest, got %v", err)
	}
}

func TestValidateContentTooLarge(t *testing.T) {
	content := strings.Repeat("a", MaxContentBytes+1)
	err := ValidateContent(content)
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindPayloadTooLarge {
		t.Fatalf("expected KindPayloadTooLarge, got %v", err)
	}
}

func TestValidateContentExactBoundary(t *testing.T) {
	content := strings.Repeat("a", MaxContentBytes)
	if err := ValidateContent(content); err != nil {
		t.Fatalf("expected exactly-100KiB content to be accepted, got %v", err)
	}
}

func TestValidateContentRejectsInvalidUTF8(t *testing.T) {
	err := ValidateContent("valid prefix \xff\xfe invalid bytes")
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindBadRequest {
		t.Fatalf("expected KindBadRequest for invalid UTF-8, got %v", err)
	}
}

func TestValidateUTF8(t *testing.T) {
	if err := ValidateUTF8("clean ascii and éè unicode"); err != nil {
		t.Fatalf("expected valid UTF-8 to pass, got %v", err)
	}
	if err := ValidateUTF8("\xff\xfe"); err == nil {
		t.Fatal("expected error for invalid UTF-8")
	}
}

func TestValidateTopKBounds(t *testing.T) {
	cases := []struct {
		k     int
		max   int
		valid bool
	}{
		{0, 50, false},
		{1, 50, true},
		{50, 50, true},
		{51, 50, false},
		{20, 20, true},
		{21, 20, false},
	}
	for _, c := range cases {
		err := ValidateTopK(c.k, c.max)
		if c.valid && err != nil {
			t.Errorf("k=%d max=%d: expected valid, got %v", c.k, c.max, err)
		}
		if !c.valid && err == nil {
			t.Errorf("k=%d max=%d: expected error, got nil", c.k, c.max)
		}
	}
}

func TestValidateQueryEmpty(t *testing.T) {
	if err := ValidateQuery(""); err == nil {
		t.Fatal("expected error for empty query")
	}
}
