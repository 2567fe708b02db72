package pinfile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/srcpin/srcpin/integrity"
	"github.com/srcpin/srcpin/internal/logging"
)

// Watcher watches a pin file for changes and invokes a callback with the
// re-parsed pin set. Writes that leave the content digest unchanged are
// ignored, as are transient syntax errors (editors often produce
// intermediate states while saving).
type Watcher struct {
	pinfilePath    string
	pinfileDigest  integrity.Digest
	digestFunction integrity.Algorithm
	onChange       func(PinSet)
	notifyWatcher  *fsnotify.Watcher
	closeOnce      sync.Once
}

// NewWatcher creates a Watcher for the given pin file.
// The initial pin set is parsed eagerly so callers can fail fast on a
// broken pin file.
func NewWatcher(pinfilePath string, digestFunction integrity.Algorithm, onChange func(PinSet)) (*Watcher, PinSet, error) {
	notifyWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, PinSet{}, err
	}

	rawPinfile, err := os.ReadFile(pinfilePath)
	if err != nil {
		notifyWatcher.Close()
		return nil, PinSet{}, err
	}
	initialDigest, err := digestFunction.CalculateDigest(bytes.NewReader(rawPinfile))
	if err != nil {
		notifyWatcher.Close()
		return nil, PinSet{}, err
	}
	initialSet, err := Parse(bytes.NewReader(rawPinfile))
	if err != nil {
		notifyWatcher.Close()
		return nil, PinSet{}, err
	}

	return &Watcher{
		pinfilePath:    pinfilePath,
		pinfileDigest:  initialDigest,
		digestFunction: digestFunction,
		onChange:       onChange,
		notifyWatcher:  notifyWatcher,
	}, initialSet, nil
}

// Start starts the Watcher. It returns after registering the watch;
// events are handled on a background goroutine tracked by wg.
func (w *Watcher) Start(ctx context.Context, wg *sync.WaitGroup) error {
	logging.Basicf("Starting watcher for %s (%v)", w.pinfilePath, w.pinfileDigest.Hex(w.digestFunction))
	pinfileAbsPath, err := filepath.Abs(w.pinfilePath)
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer w.Stop()
		defer logging.Basicf("Stopped pin file watcher")
		for {
			select {
			case event, ok := <-w.notifyWatcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) && event.Name == pinfileAbsPath {
					logging.Debugf("pin file might have changed")
					if err := w.reloadOnChange(); err != nil {
						logging.Errorf("error reloading pin file: %v", err)
					}
				}
			case err, ok := <-w.notifyWatcher.Errors:
				if !ok {
					return
				}
				logging.Errorf("pin file watcher encountered error: %v", err)
			case <-ctx.Done():
				return // context cancelled, call stop in defer
			}
		}
	}()

	// watch the directory: editors replace files instead of writing in place
	if err := w.notifyWatcher.Add(filepath.Dir(pinfileAbsPath)); err != nil {
		return err
	}
	return nil
}

// Stop stops the Watcher.
func (w *Watcher) Stop() (closeErr error) {
	w.closeOnce.Do(func() {
		closeErr = w.notifyWatcher.Close()
	})
	return closeErr
}

func (w *Watcher) reloadOnChange() error {
	newSet, shouldUpdate, err := w.reparseIfChanged()
	if err != nil {
		return err
	}
	if !shouldUpdate {
		return nil
	}

	logging.Basicf("pin file was changed, re-resolving (%v)", w.pinfileDigest.Hex(w.digestFunction))
	w.onChange(newSet)
	return nil
}

func (w *Watcher) reparseIfChanged() (newSet PinSet, shouldUpdate bool, err error) {
	pinfileFile, err := os.Open(w.pinfilePath)
	if err != nil {
		return PinSet{}, false, err
	}
	defer pinfileFile.Close()

	var contents bytes.Buffer
	digestReader := io.TeeReader(pinfileFile, &contents)
	newDigest, err := w.digestFunction.CalculateDigest(digestReader)
	if err != nil {
		return PinSet{}, false, err
	}

	if newDigest.Equals(w.pinfileDigest, w.digestFunction) {
		logging.Debugf("pin file digest is the same, skipping update")
		return PinSet{}, false, nil
	}

	var syntaxErr DecodeError
	set, err := Parse(&contents)
	if errors.As(err, &syntaxErr) {
		logging.Warningf("syntax error in pin file - skipping update: %v", err)
		return PinSet{}, false, nil
	} else if err != nil {
		return PinSet{}, false, err
	}

	w.pinfileDigest = newDigest
	return set, true, nil
}
