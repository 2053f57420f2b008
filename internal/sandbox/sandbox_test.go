package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestService(t *testing.T, maxFile, maxTotal int64) *Service {
	t.Helper()
	return New(t.TempDir(), maxFile, maxTotal)
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"index.html", true},
		{"style.css", true},
		{"my-file_2.js", true},
		{"..", false},
		{".", false},
		{"../x", false},
		{"a/b", false},
		{"a b", false},
		{"", false},
		{"..hidden", true}, // odd but within the grammar
	}
	for _, tt := range tests {
		if got := ValidName(tt.name); got != tt.valid {
			t.Errorf("ValidName(%q) = %v, want %v", tt.name, got, tt.valid)
		}
	}
}

func TestWriteReadList(t *testing.T) {
	s := newTestService(t, 1<<20, 10<<20)

	if err := s.Write(1, "sess", "b.txt", "bravo"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Write(1, "sess", "a.txt", "alpha"); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.Read(1, "sess", "a.txt")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "alpha" {
		t.Errorf("read = %q, want %q", got, "alpha")
	}

	names, err := s.List(1, "sess")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Errorf("list = %v, want sorted [a.txt b.txt]", names)
	}
}

func TestWriteRejectsInvalidName(t *testing.T) {
	s := newTestService(t, 1<<20, 10<<20)
	for _, name := range []string{"../escape", "..", ".", "dir/file"} {
		err := s.Write(1, "sess", name, "x")
		if !errors.Is(err, ErrInvalidName) {
			t.Errorf("Write(%q) error = %v, want ErrInvalidName", name, err)
		}
	}
	// Nothing may exist outside the session dir.
	if _, err := os.Stat(filepath.Join(s.baseDir, "escape")); !os.IsNotExist(err) {
		t.Error("write escaped the sandbox root")
	}
}

func TestWriteQuotas(t *testing.T) {
	s := newTestService(t, 10, 25)

	if err := s.Write(1, "sess", "big.txt", strings.Repeat("x", 11)); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("oversize file error = %v, want ErrFileTooLarge", err)
	}

	for _, name := range []string{"a", "b"} {
		if err := s.Write(1, "sess", name, strings.Repeat("x", 10)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	// 20 bytes used; 10 more would exceed the 25-byte sandbox.
	if err := s.Write(1, "sess", "c", strings.Repeat("x", 10)); !errors.Is(err, ErrSandboxFull) {
		t.Errorf("sandbox-full error = %v, want ErrSandboxFull", err)
	}
	// The failed write must leave the filesystem unchanged.
	names, _ := s.List(1, "sess")
	if len(names) != 2 {
		t.Errorf("failed write changed the sandbox: %v", names)
	}

	// Overwriting an existing file counts only the delta.
	if err := s.Write(1, "sess", "a", strings.Repeat("y", 10)); err != nil {
		t.Errorf("overwrite within quota failed: %v", err)
	}
}

func TestReadNotFound(t *testing.T) {
	s := newTestService(t, 1<<20, 10<<20)
	if _, err := s.Read(1, "sess", "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("read missing error = %v, want ErrNotFound", err)
	}
}

func TestInitializeSeedsSkeleton(t *testing.T) {
	s := newTestService(t, 1<<20, 10<<20)
	if err := s.Initialize(7, "sess"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	names, _ := s.List(7, "sess")
	want := []string{"index.html", "script.js", "style.css"}
	if len(names) != len(want) {
		t.Fatalf("list = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("list[%d] = %s, want %s", i, names[i], want[i])
		}
	}
	html, _ := s.Read(7, "sess", "index.html")
	if !strings.Contains(html, "<!DOCTYPE html>") {
		t.Error("index.html skeleton missing doctype")
	}
}

func TestDeleteSession(t *testing.T) {
	s := newTestService(t, 1<<20, 10<<20)
	if err := s.Initialize(3, "sess"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteSession(3, "sess"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	names, err := s.List(3, "sess")
	if err != nil || len(names) != 0 {
		t.Errorf("session not removed: names=%v err=%v", names, err)
	}
}

func TestGetAll(t *testing.T) {
	s := newTestService(t, 1<<20, 10<<20)
	s.Write(1, "sess", "x.txt", "1")
	s.Write(1, "sess", "y.txt", "2")
	files, err := s.GetAll(1, "sess")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files["x.txt"] != "1" || files["y.txt"] != "2" {
		t.Errorf("GetAll = %v", files)
	}
}
