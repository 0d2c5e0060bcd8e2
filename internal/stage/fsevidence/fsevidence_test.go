package fsevidence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"sitepipe/internal/stage"
)

func TestArtifactsFiltersPartialAndHidden(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "site-1", "ocr")
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"b.txt", "a.txt", ".lock", "c.txt.tmp", "d.part"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	got, err := New(root).Artifacts(context.Background(), "site-1", stage.OCR)
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if len(got) != 2 || got[0] != "a.txt" || got[1] != "b.txt" {
		t.Fatalf("unexpected artifacts %v", got)
	}
}

func TestArtifactsMissingDirectoryIsEmpty(t *testing.T) {
	got, err := New(t.TempDir()).Artifacts(context.Background(), "site-1", stage.Compile)
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no artifacts, got %v", got)
	}
}

func TestDirRejectsTraversal(t *testing.T) {
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := Dir("/srv", id, stage.OCR); err == nil {
			t.Fatalf("Dir accepted site id %q", id)
		}
	}
	dir, err := Dir("/srv", "site-1", stage.OCR)
	if err != nil || dir != filepath.Join("/srv", "site-1", "ocr") {
		t.Fatalf("Dir = %q, %v", dir, err)
	}
}
