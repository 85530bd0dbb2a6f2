package archive

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open zip: %v", err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestPack_Flat(t *testing.T) {
	src := filepath.Join(t.TempDir(), "checkpoint-100")
	writeFiles(t, src, map[string]string{
		"pytorch_lora_weights.safetensors": "weights",
		"optimizer.bin":                    "optim",
		"nested/random_states_0.pkl":       "rng",
	})

	dest := filepath.Join(t.TempDir(), "checkpoint-100.zip")
	if err := Pack(src, dest); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	got := zipNames(t, dest)
	want := []string{"optimizer.bin", "pytorch_lora_weights.safetensors", "random_states_0.pkl"}
	if len(got) != len(want) {
		t.Fatalf("Expected entries %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestPack_DuplicateNames(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"a/model.bin": "1",
		"b/model.bin": "2",
	})

	dest := filepath.Join(t.TempDir(), "dup.zip")
	err := Pack(src, dest)
	if !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("Expected ErrDuplicateName, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("Expected no archive to be left behind")
	}
}

func TestPackUnpack_RoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"pytorch_lora_weights.safetensors": "weights",
		"scheduler.bin":                    "sched",
	}
	writeFiles(t, src, files)

	archivePath := filepath.Join(t.TempDir(), "checkpoint-7.zip")
	if err := Pack(src, archivePath); err != nil {
		t.Fatalf("Pack failed: %v", err)
	}

	dir, err := UnpackToSibling(archivePath)
	if err != nil {
		t.Fatalf("UnpackToSibling failed: %v", err)
	}
	if dir != filepath.Join(filepath.Dir(archivePath), "checkpoint-7") {
		t.Errorf("Unexpected sibling dir %q", dir)
	}

	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Errorf("Missing %s: %v", name, err)
			continue
		}
		if string(got) != content {
			t.Errorf("%s: expected %q, got %q", name, content, got)
		}
	}
}

func TestUnpack_RejectsTraversal(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, _ := zw.Create("../../escaped.txt")
	w.Write([]byte("nope"))
	zw.Close()
	f.Close()

	dest := filepath.Join(t.TempDir(), "out")
	if err := Unpack(archivePath, dest); !errors.Is(err, ErrUnsafePath) {
		t.Errorf("Expected ErrUnsafePath, got %v", err)
	}
}

func TestEntryPath(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"a.bin", false},
		{"dir/a.bin", false},
		{"./a.bin", false},
		{"..", true},
		{"../a.bin", true},
		{"dir/../../a.bin", true},
		{"/etc/passwd", true},
		{"..a.bin", false},
	}
	for _, tt := range tests {
		_, err := entryPath("/dest", tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("entryPath(%q): err=%v, wantErr=%v", tt.name, err, tt.wantErr)
		}
	}
}
