package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"web-01":        "web-01",
		"Web Server 01": "web-server-01",
		"--Leading--":   "leading",
		"日本語host":       "host",
		"UPPER_CASE":    "upper-case",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestVersionPath(t *testing.T) {
	got := VersionPath("/srv/backups/web-01/daily", "2026-08-02_03-00-00")
	want := "/srv/backups/web-01/daily/versions/2026-08-02_03-00-00"
	if got != want {
		t.Errorf("VersionPath = %q, want %q", got, want)
	}
}

func TestBrowsePathRejectsEscape(t *testing.T) {
	root := t.TempDir()

	if _, err := BrowsePath(root, "../../etc/passwd"); err == nil {
		t.Error("expected error for path escaping root, got nil")
	}

	safe, err := BrowsePath(root, "subdir/file.txt")
	if err != nil {
		t.Fatalf("unexpected error for safe path: %v", err)
	}
	want := filepath.Join(root, "subdir", "file.txt")
	if safe != want {
		t.Errorf("BrowsePath = %q, want %q", safe, want)
	}
}

func TestBuildManifestFromListing(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("world!"), 0644); err != nil {
		t.Fatal(err)
	}

	manifest, err := BuildManifestFromListing(dir)
	if err != nil {
		t.Fatalf("BuildManifestFromListing: %v", err)
	}

	if entry, ok := manifest["a.txt"]; !ok || entry.Size != 5 {
		t.Errorf("manifest[a.txt] = %+v, ok=%v, want size 5", entry, ok)
	}
	if entry, ok := manifest[filepath.Join("sub", "b.txt")]; !ok || entry.Size != 6 {
		t.Errorf("manifest[sub/b.txt] = %+v, ok=%v, want size 6", entry, ok)
	}
}
