package cache

import (
	"errors"
	"testing"
)

func TestNewKeyRejectsUnsafeSegments(t *testing.T) {
	testCases := []struct {
		name                           string
		collection, id, file, geometry string
	}{
		{"empty id", "pictures", "", "a.jpg", ""},
		{"dot dot", "pictures", "..", "a.jpg", ""},
		{"separator", "pictures", "abc", "x/a.jpg", ""},
		{"backslash", "pictures", "abc", `..\a.jpg`, ""},
		{"hidden collection", ".incoming", "abc", "a.jpg", ""},
		{"geometry shaped filename", "pictures", "abc", "300x", ""},
		{"bad geometry", "pictures", "abc", "a.jpg", "300"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewKey(tc.collection, tc.id, tc.file, tc.geometry); !errors.Is(err, ErrInvalidKey) {
				t.Fatalf("expected ErrInvalidKey, got %v", err)
			}
		})
	}
}

func TestKeyOriginalSharesPath(t *testing.T) {
	a, err := NewKey("pictures", "tok1", "cat.jpg", "300x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := NewKey("pictures", "tok1", "cat.jpg", "300x200!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Original() != b.Original() {
		t.Fatalf("variants of the same resource must share the original key")
	}
	if a.String() == b.String() {
		t.Fatalf("different geometries must differ: %s", a)
	}
	if got := a.String(); got != "pictures/tok1/300x/cat.jpg" {
		t.Fatalf("unexpected key string %s", got)
	}
	if got := a.Original().String(); got != "pictures/tok1/cat.jpg" {
		t.Fatalf("unexpected original key string %s", got)
	}
}
