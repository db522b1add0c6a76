package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveMissCreatesDirectories(t *testing.T) {
	resolver := newTestResolver(t)
	key := mustKey(t, "pictures", "tok1", "cat.jpg", "300x")

	res, err := resolver.Resolve(context.Background(), key)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if res.Hit || res.OriginalPresent {
		t.Fatalf("fresh cache must miss: %+v", res)
	}
	if res.DerivedPath != filepath.Join(resolver.Root(), "pictures", "tok1", "300x", "cat.jpg") {
		t.Fatalf("unexpected derived path %s", res.DerivedPath)
	}
	if res.OriginalPath != filepath.Join(resolver.Root(), "pictures", "tok1", "cat.jpg") {
		t.Fatalf("unexpected original path %s", res.OriginalPath)
	}
	if info, err := os.Stat(filepath.Dir(res.DerivedPath)); err != nil || !info.IsDir() {
		t.Fatalf("derived directory should exist: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(res.TempPath), tempPrefix) || filepath.Ext(res.TempPath) != tempExt {
		t.Fatalf("unexpected temp path %s", res.TempPath)
	}
	if other := resolver.TempPath(); other == res.TempPath {
		t.Fatalf("temp paths must be unique")
	}
}

func TestResolveReportsOriginalPresence(t *testing.T) {
	resolver := newTestResolver(t)
	key := mustKey(t, "pictures", "tok1", "cat.jpg", "x120")
	writeFile(t, resolver.Path(key.Original()), "original")

	res, err := resolver.Resolve(context.Background(), key)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if res.Hit {
		t.Fatalf("derived variant is still absent")
	}
	if !res.OriginalPresent {
		t.Fatalf("original should be reported present")
	}
}

func TestResolveHitOnDerived(t *testing.T) {
	resolver := newTestResolver(t)
	key := mustKey(t, "pictures", "tok1", "cat.jpg", "x120")
	writeFile(t, resolver.Path(key), "derived")

	res, err := resolver.Resolve(context.Background(), key)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if !res.Hit || res.Path != res.DerivedPath {
		t.Fatalf("expected hit on derived path, got %+v", res)
	}
	if res.TempPath != "" {
		t.Fatalf("hits need no temp path")
	}
}

func TestResolveRejectsDirectoryPlaceholder(t *testing.T) {
	resolver := newTestResolver(t)
	key := mustKey(t, "pictures", "tok1", "cat.jpg", "")
	if err := os.MkdirAll(resolver.Path(key), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), key); err == nil {
		t.Fatalf("directory in place of a cache file should surface as an error")
	}
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	resolver, err := NewResolver(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	return resolver
}

func mustKey(t *testing.T, collection, id, filename, geometry string) Key {
	t.Helper()
	key, err := NewKey(collection, id, filename, geometry)
	if err != nil {
		t.Fatalf("key error: %v", err)
	}
	return key
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
}
