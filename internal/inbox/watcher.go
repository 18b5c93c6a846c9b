package inbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/stocksync/stocksync/internal/record"
)

// EventOp is what happened to an inbox file.
type EventOp int

const (
	// OpWrite means the file was created or rewritten.
	OpWrite EventOp = iota
	// OpRemove means the file was deleted or moved away.
	OpRemove
)

func (op EventOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// FileEvent is a change to one inbox file.
type FileEvent struct {
	Path string
	Kind record.Kind
	Op   EventOp
}

// watcher turns fsnotify events under the collection directories into
// FileEvents. Both channels close once the watch ends.
type watcher struct {
	fs     *fsnotify.Watcher
	dirs   map[string]record.Kind // absolute dir -> collection
	events chan FileEvent
	errs   chan error
}

// watch starts watching dirs until ctx is done.
func watch(ctx context.Context, dirs map[string]record.Kind) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &watcher{
		fs:     fs,
		dirs:   make(map[string]record.Kind, len(dirs)),
		events: make(chan FileEvent, 64),
		errs:   make(chan error, 4),
	}
	for dir, kind := range dirs {
		abs, err := filepath.Abs(dir)
		if err == nil {
			err = fs.Add(abs)
		}
		if err != nil {
			_ = fs.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.dirs[abs] = kind
	}

	go w.loop(ctx)
	return w, nil
}

func (w *watcher) loop(ctx context.Context) {
	defer close(w.errs)
	defer close(w.events)
	defer w.fs.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			fe, ok := w.translate(ev)
			if !ok {
				continue
			}
			select {
			case w.events <- fe:
			case <-ctx.Done():
				return
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

// translate keeps JSON files directly under a watched directory. Chmod-only
// events are dropped; a rename is a remove of the old name.
func (w *watcher) translate(ev fsnotify.Event) (FileEvent, bool) {
	if !strings.HasSuffix(ev.Name, ".json") {
		return FileEvent{}, false
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		return FileEvent{}, false
	}
	kind, ok := w.dirs[filepath.Dir(abs)]
	if !ok {
		return FileEvent{}, false
	}

	switch {
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		return FileEvent{Path: abs, Kind: kind, Op: OpWrite}, true
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		return FileEvent{Path: abs, Kind: kind, Op: OpRemove}, true
	}
	return FileEvent{}, false
}
