package pinfile

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/srcpin/srcpin/integrity"
)

func pinfileWith(urls ...string) string {
	sum := sha256.Sum256([]byte("watched artifact"))
	sri := "sha256-" + base64.StdEncoding.EncodeToString(sum[:])
	out := "{"
	for i, url := range urls {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`"pin%d": {"urls": [%q], "integrity": %q}`, i, url, sri)
	}
	return out + "}"
}

func newTestWatcher(t *testing.T) (*Watcher, string) {
	t.Helper()
	pinfilePath := filepath.Join(t.TempDir(), "srcpin.json")
	if err := os.WriteFile(pinfilePath, []byte(pinfileWith("https://mirror.test/a")), 0o644); err != nil {
		t.Fatal(err)
	}
	w, initial, err := NewWatcher(pinfilePath, integrity.SHA256, func(PinSet) {})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { w.Stop() })
	if len(initial.Pins) != 1 {
		t.Fatalf("expected 1 initial pin, got %d", len(initial.Pins))
	}
	return w, pinfilePath
}

func TestWatcherSkipsUnchangedContent(t *testing.T) {
	w, _ := newTestWatcher(t)

	// a write event that leaves the bytes unchanged must not re-resolve
	_, shouldUpdate, err := w.reparseIfChanged()
	if err != nil {
		t.Fatal(err)
	}
	if shouldUpdate {
		t.Fatal("unchanged pin file must not trigger an update")
	}
}

func TestWatcherPicksUpChangedContent(t *testing.T) {
	w, pinfilePath := newTestWatcher(t)

	changed := pinfileWith("https://mirror.test/a", "https://mirror.test/b")
	if err := os.WriteFile(pinfilePath, []byte(changed), 0o644); err != nil {
		t.Fatal(err)
	}
	newSet, shouldUpdate, err := w.reparseIfChanged()
	if err != nil {
		t.Fatal(err)
	}
	if !shouldUpdate {
		t.Fatal("changed pin file must trigger an update")
	}
	if len(newSet.Pins) != 2 {
		t.Fatalf("expected 2 pins after the change, got %d", len(newSet.Pins))
	}

	// the digest is updated, so replaying the same content is a no-op
	if _, shouldUpdate, err := w.reparseIfChanged(); err != nil || shouldUpdate {
		t.Fatalf("replay must be skipped (shouldUpdate=%v, err=%v)", shouldUpdate, err)
	}
}

func TestWatcherToleratesTransientSyntaxErrors(t *testing.T) {
	w, pinfilePath := newTestWatcher(t)

	// editors write intermediate states while saving
	if err := os.WriteFile(pinfilePath, []byte(`{"pin0": {"urls": ["https`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, shouldUpdate, err := w.reparseIfChanged(); err != nil || shouldUpdate {
		t.Fatalf("syntax error must be skipped without failing (shouldUpdate=%v, err=%v)", shouldUpdate, err)
	}

	// once the file is whole again, the update goes through
	changed := pinfileWith("https://mirror.test/a", "https://mirror.test/b")
	if err := os.WriteFile(pinfilePath, []byte(changed), 0o644); err != nil {
		t.Fatal(err)
	}
	newSet, shouldUpdate, err := w.reparseIfChanged()
	if err != nil {
		t.Fatal(err)
	}
	if !shouldUpdate {
		t.Fatal("fixed pin file must trigger an update")
	}
	if len(newSet.Pins) != 2 {
		t.Fatalf("expected 2 pins after the fix, got %d", len(newSet.Pins))
	}
}
