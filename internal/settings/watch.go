package settings

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watch reloads the settings file on change and invokes apply with the new
// values. The parent directory is watched rather than the file itself: editors
// replace files via rename, and the file may not exist yet when the watch
// starts. Events are debounced; a burst of writes yields one reload. Stop the
// watcher by closing stop.
func (st *Store) Watch(apply func(Settings), stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "settings watcher")
	}
	dir := filepath.Dir(st.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return errors.Wrapf(err, "watch %s", dir)
	}
	target := filepath.Clean(st.path)

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				next, changed, err := st.Reload()
				if err != nil {
					slog.Error("settings reload failed", "err", err)
					continue
				}
				if changed && apply != nil {
					slog.Info("settings reloaded", "max_messages", next.MaxMessages, "fade_time", next.FadeTime)
					apply(next)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("settings watch error", "err", err)
			}
		}
	}()
	return nil
}
