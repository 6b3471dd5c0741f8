package reloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fsnotify/fsnotify"

	"github.com/schr-build/schr/internal/toolchain"
)

// fixture builds a reloader over a real on-disk project in R mode, so event
// handling can be driven directly without spawning compiles.
func fixture(t *testing.T, files map[string]string) (*Reloader, string) {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	opts := &toolchain.Options{
		WorkingDir:  root,
		CXX:         "sh",
		CXXFileExts: []string{".cpp"},
		HXXFileExts: []string{".hpp"},
		Target:      "app",
		Mode:        "R",
	}
	r, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, root
}

func testWatcher(t *testing.T) *fsnotify.Watcher {
	t.Helper()
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.Fatalf("fsnotify.NewWatcher: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestSkipDir(t *testing.T) {
	r, root := fixture(t, map[string]string{"main.cpp": "int main() {}"})
	r.opts.ObjDir = filepath.Join(root, "build")

	tests := []struct {
		path string
		want bool
	}{
		{root, false},
		{filepath.Join(root, "src"), false},
		{filepath.Join(root, ".git"), true},
		{filepath.Join(root, "build"), true},
	}
	for _, tt := range tests {
		if got := r.skipDir(tt.path); got != tt.want {
			t.Errorf("skipDir(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestRenameCreatePairBecomesMove(t *testing.T) {
	r, root := fixture(t, map[string]string{"util.cpp": "int util;"})
	w := testWatcher(t)

	oldPath := filepath.Join(root, "util.cpp")
	newPath := filepath.Join(root, "helper.cpp")
	if err := os.Rename(oldPath, newPath); err != nil {
		t.Fatal(err)
	}

	r.handleEvent(w, fsnotify.Event{Name: oldPath, Op: fsnotify.Rename}, nil)
	if !r.graph.Has(oldPath) {
		t.Fatal("old node dropped before the rename window expired")
	}
	r.handleEvent(w, fsnotify.Event{Name: newPath, Op: fsnotify.Create}, nil)

	if r.graph.Has(oldPath) {
		t.Error("old node survived the move")
	}
	if !r.graph.Has(newPath) {
		t.Error("new node missing after the move")
	}
	if r.pendingRename != "" {
		t.Error("pending rename not consumed")
	}
}

func TestUncorrelatedRenameDegradesToDelete(t *testing.T) {
	r, root := fixture(t, map[string]string{"util.cpp": "int util;"})
	w := testWatcher(t)

	oldPath := filepath.Join(root, "util.cpp")
	r.handleEvent(w, fsnotify.Event{Name: oldPath, Op: fsnotify.Rename}, nil)
	r.flushPendingRename() // what the expired timer does

	if r.graph.Has(oldPath) {
		t.Error("node survived an uncorrelated rename")
	}
	if r.pendingRename != "" {
		t.Error("pending rename not cleared by flush")
	}
}

func TestCreateIgnoresUnwatchedFiles(t *testing.T) {
	r, root := fixture(t, map[string]string{"main.cpp": "int main() {}"})
	w := testWatcher(t)

	notes := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(notes, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	r.handleEvent(w, fsnotify.Event{Name: notes, Op: fsnotify.Create}, nil)

	if r.graph.Has(notes) {
		t.Error("unwatched file ended up in the graph")
	}
}

func TestCreatedDirectoryIsScannedForSources(t *testing.T) {
	r, root := fixture(t, map[string]string{"main.cpp": "int main() {}"})
	w := testWatcher(t)

	sub := filepath.Join(root, "sub")
	nested := filepath.Join(sub, "extra.cpp")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(nested, []byte("int extra;"), 0644); err != nil {
		t.Fatal(err)
	}

	r.handleEvent(w, fsnotify.Event{Name: sub, Op: fsnotify.Create}, nil)

	if !r.graph.Has(nested) {
		t.Error("source inside a created directory was not inserted")
	}
}

func TestDirectoryDeleteRemovesSubNodes(t *testing.T) {
	r, root := fixture(t, map[string]string{
		"main.cpp":    "int main() {}",
		"sub/a.cpp":   "int a;",
		"sub/b.cpp":   "int b;",
		"sub/c.hpp":   "int c;",
		"sub/d/e.cpp": "int e;",
	})
	w := testWatcher(t)

	// Pretend everything in sub/ had been compiled.
	for _, rel := range []string{"sub/a.o", "sub/b.o", "sub/d/e.o"} {
		if err := os.WriteFile(filepath.Join(root, rel), []byte("o"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	sub := filepath.Join(root, "sub")
	if err := os.RemoveAll(sub); err != nil {
		t.Fatal(err)
	}
	r.handleEvent(w, fsnotify.Event{Name: sub, Op: fsnotify.Remove}, nil)

	for _, rel := range []string{"sub/a.cpp", "sub/b.cpp", "sub/c.hpp", "sub/d/e.cpp"} {
		if r.graph.Has(filepath.Join(root, rel)) {
			t.Errorf("%s still in the graph after directory delete", rel)
		}
	}
	if !r.graph.Has(filepath.Join(root, "main.cpp")) {
		t.Error("sibling node outside the deleted directory was removed")
	}
}

func TestModifiedIgnoresUnwatchedFiles(t *testing.T) {
	r, root := fixture(t, map[string]string{"main.cpp": "int main() {}"})
	w := testWatcher(t)

	notes := filepath.Join(root, "notes.txt")
	if err := os.WriteFile(notes, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	r.handleEvent(w, fsnotify.Event{Name: notes, Op: fsnotify.Write}, nil)

	if r.graph.Has(notes) {
		t.Error("unwatched file ended up in the graph")
	}
}
