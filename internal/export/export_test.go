package export

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/heimdex/gifmaker/internal/pipeline"
)

func TestFilename(t *testing.T) {
	tests := []struct {
		base string
		p    pipeline.Params
		want string
	}{
		{
			base: "clip",
			p:    pipeline.Params{Scale: 0.5, FPS: 20, Speed: 5.0, Start: 0, End: 10},
			want: "clip_scaling-0.5_fps-20_speed-5.0_duration-0-10.gif",
		},
		{
			base: "clip",
			p:    pipeline.Params{Scale: 1, FPS: 30, Speed: 1, Start: 2.5, End: 7.25},
			want: "clip_scaling-1.0_fps-30_speed-1.0_duration-2.5-7.25.gif",
		},
		{
			base: "cat",
			p:    pipeline.Params{Scale: 0.33, FPS: 12, Speed: 0.1, Start: 0, End: 3},
			want: "cat_scaling-0.33_fps-12_speed-0.1_duration-0-3.gif",
		},
	}
	for _, tt := range tests {
		if got := Filename(tt.base, tt.p); got != tt.want {
			t.Errorf("Filename(%q, %+v) = %q, want %q", tt.base, tt.p, got, tt.want)
		}
	}
}

func TestStore_SaveUpload(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "cache"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	path, n, err := store.SaveUpload("s1", "Clip.MP4", strings.NewReader("video bytes"), 1024)
	if err != nil {
		t.Fatalf("SaveUpload: %v", err)
	}
	if n != int64(len("video bytes")) {
		t.Errorf("n = %d", n)
	}
	if filepath.Base(path) != "source.mp4" {
		t.Errorf("path = %q, want source.mp4", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "video bytes" {
		t.Fatalf("stored upload = %q, %v", data, err)
	}
}

func TestStore_SaveUploadTooLarge(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	_, _, err = store.SaveUpload("s1", "a.mov", bytes.NewReader(make([]byte, 11)), 10)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "s1", "source.mov")); !os.IsNotExist(err) {
		t.Fatal("oversized upload left on disk")
	}
}

func TestStore_ArtifactLifecycle(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	path, err := store.SaveArtifact("s1", "e1", []byte("GIF89a"))
	if err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	if got, _ := os.ReadFile(path); string(got) != "GIF89a" {
		t.Fatalf("artifact content = %q", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected only the artifact in session dir, got %d entries", len(entries))
	}

	if err := store.RemoveSession("s1"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("artifact survived RemoveSession")
	}
}

func TestStore_RejectsBadSessionID(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := store.SaveArtifact(id, "e", nil); err == nil {
			t.Errorf("SaveArtifact(%q) accepted", id)
		}
	}
}

func TestStore_Purge(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := store.SaveArtifact(id, "e", []byte("x")); err != nil {
			t.Fatalf("SaveArtifact: %v", err)
		}
	}

	n, err := store.Purge()
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 2 {
		t.Errorf("Purge removed %d dirs, want 2", n)
	}
	entries, _ := os.ReadDir(store.Root())
	if len(entries) != 0 {
		t.Errorf("%d entries left after Purge", len(entries))
	}
}
