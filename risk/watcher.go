package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Provider yields the policy currently in force. The engine reads it
// once per classification so a reload takes effect on the next
// operation, never mid-decision.
type Provider interface {
	Current() *Policy
}

// Static wraps a fixed policy as a Provider.
type Static struct{ Policy *Policy }

func (s Static) Current() *Policy { return s.Policy }

// PolicyWatcher serves a policy loaded from a JSON file and hot-reloads
// it when the file changes. A file that fails to load leaves the
// previous policy in force.
type PolicyWatcher struct {
	path    string
	log     *slog.Logger
	current atomic.Pointer[Policy]
}

var _ Provider = (*PolicyWatcher)(nil)

// NewPolicyWatcher loads path immediately and returns a watcher holding
// the result. Call Watch to begin following file changes.
func NewPolicyWatcher(path string, log *slog.Logger) (*PolicyWatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	w := &PolicyWatcher{path: path, log: log}
	p, err := loadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	w.current.Store(p)
	return w, nil
}

// Current returns the policy in force. Safe for concurrent use.
func (w *PolicyWatcher) Current() *Policy { return w.current.Load() }

// Watch follows the policy file until ctx ends. Editors typically
// replace rather than modify files, so the parent directory is watched
// and events are matched by name.
func (w *PolicyWatcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = fw.Close()
	}()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			p, err := loadPolicyFile(w.path)
			if err != nil {
				w.log.WarnContext(ctx, "risk.policy.reload.fail", slog.String("err", err.Error()))
				continue
			}
			w.current.Store(p)
			w.log.InfoContext(ctx, "risk.policy.reload.ok", slog.String("path", w.path))
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "risk.policy.watch.err", slog.String("err", err.Error()))
		}
	}
}

// loadPolicyFile reads a JSON policy document. Fields left out of the
// document keep their defaults.
func loadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	p := DefaultPolicy()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}
