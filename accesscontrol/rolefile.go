package accesscontrol

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RoleFile describes the on-disk persisted role configuration: the default
// role, the key→role map, and per-tool restrictions, loaded from and
// watched as a YAML file so an operator can edit it in place without a
// restart.
type RoleFile struct {
	Enabled     bool                `yaml:"enabled"`
	DefaultRole string              `yaml:"defaultRole"`
	Keys        map[string]string   `yaml:"keys"`
	Tools       map[string][]string `yaml:"tools"`
}

func loadRoleFile(path string) (*RoleFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("accesscontrol: read %s: %w", path, err)
	}
	var rf RoleFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return nil, fmt.Errorf("accesscontrol: parse %s: %w", path, err)
	}
	return &rf, nil
}

// applyRoleFile replaces ac's key mappings and tool restrictions with the
// contents of rf. Roles referenced by rf are auto-defined.
func applyRoleFile(ac *AccessControl, rf *RoleFile) {
	ac.mu.Lock()
	ac.keyToRole = make(map[string]string, len(rf.Keys))
	ac.toolRoles = make(map[string]map[string]struct{}, len(rf.Tools))
	ac.mu.Unlock()

	ac.Enable(rf.Enabled)
	if rf.DefaultRole != "" {
		ac.SetDefaultRole(rf.DefaultRole)
	}
	for key, role := range rf.Keys {
		ac.MapKeyToRole(key, role)
	}
	for tool, roles := range rf.Tools {
		ac.RestrictTool(tool, roles...)
	}
}

// RoleFileWatcher applies a RoleFile to an AccessControl on load and again
// every time the backing file changes on disk, so a device operator can
// update who can call what by editing a YAML file rather than redeploying.
type RoleFileWatcher struct {
	path    string
	ac      *AccessControl
	watcher *fsnotify.Watcher
	closed  atomic.Bool
	done    chan struct{}
}

// WatchRoleFile loads path into ac immediately, then watches it for
// writes/renames (as editors commonly do a rename-based atomic save) and
// re-applies it on every change. Call Close to stop watching.
func WatchRoleFile(path string, ac *AccessControl) (*RoleFileWatcher, error) {
	rf, err := loadRoleFile(path)
	if err != nil {
		return nil, err
	}
	applyRoleFile(ac, rf)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("accesscontrol: fsnotify init: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("accesscontrol: watch %s: %w", path, err)
	}

	rfw := &RoleFileWatcher{path: path, ac: ac, watcher: w, done: make(chan struct{})}
	go rfw.run()
	return rfw, nil
}

func (w *RoleFileWatcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			rf, err := loadRoleFile(w.path)
			if err != nil {
				slog.Warn("accesscontrol: reload failed, keeping previous configuration",
					slog.String("path", w.path), slog.String("err", err.Error()))
				continue
			}
			applyRoleFile(w.ac, rf)
			slog.Info("accesscontrol: reloaded role configuration", slog.String("path", w.path))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("accesscontrol: watcher error", slog.String("err", err.Error()))
		}
	}
}

// Close stops watching the role file. It does not revert AccessControl to
// its state prior to the watcher starting.
func (w *RoleFileWatcher) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}
