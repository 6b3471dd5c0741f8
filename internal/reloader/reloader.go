// Package reloader wires the include graph, the content-hash cache and the
// filesystem watcher into the long-running supervisor loop: watch, rebuild
// what changed, relink, restart the target.
package reloader

import (
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schr-build/schr/internal/cache"
	"github.com/schr-build/schr/internal/graph"
	"github.com/schr-build/schr/internal/msg"
	"github.com/schr-build/schr/internal/proc"
	"github.com/schr-build/schr/internal/toolchain"
)

// renameWindow is how long a Rename event waits for the Create event that
// makes it a move before it degrades to a plain delete. fsnotify reports a
// move as that pair of events.
const renameWindow = 500 * time.Millisecond

type Reloader struct {
	opts  *toolchain.Options
	tc    *toolchain.Toolchain
	graph *graph.Graph
	cache *cache.Cache

	target    *proc.Process
	targetLog *msg.Named

	pendingRename string
}

// New builds the toolchain, bootstraps the include graph, computes current
// digests and queues everything that changed since the last successful build.
func New(opts *toolchain.Options) (*Reloader, error) {
	tc, err := toolchain.New(opts)
	if err != nil {
		return nil, err
	}

	r := &Reloader{
		opts:      opts,
		tc:        tc,
		targetLog: msg.NewNamed(opts.Target),
	}

	r.graph, err = graph.New(tc, opts.Target, r.afterLink)
	if err != nil {
		return nil, err
	}

	r.cache = cache.New(opts.CacheFilePath(), r.graph.Keys())
	for _, key := range r.cache.OutdatedOnStartup() {
		r.graph.MarkOutdated(key)
	}

	r.target = proc.New(tc.TargetCommand(), proc.Options{
		Name:     opts.Target,
		Logger:   r.targetLog.Warn,
		OnStdout: func(line string) { r.targetLog.Info("%s", line) },
		OnStderr: func(line string) { r.targetLog.Error("%s", line) },
	})
	return r, nil
}

// Start performs the initial build, then watches the working directory until
// an interrupt arrives.
func (r *Reloader) Start() error {
	if r.opts.AutoCompile() {
		if !r.graph.Build(true) {
			// Nothing to compile; persistence and target launch still happen.
			r.afterLink()
		}
	} else if r.opts.Mode == "R" {
		msg.Warn("mode R only starts your target once, and only if it is already built; nothing is compiled or relinked")
		if r.tc.IsTargetBuilt() {
			r.runTarget()
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	if err := r.watchTree(watcher, r.opts.WorkingDir); err != nil {
		return fmt.Errorf("watching %s: %w", r.opts.WorkingDir, err)
	}
	msg.Info("watching %s for changes (Ctrl+C to stop)", r.opts.WorkingDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	var renameTimer <-chan time.Time
	for {
		select {
		case <-sigCh:
			msg.Info("interrupt, stopping watcher")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			renameTimer = r.handleEvent(watcher, event, renameTimer)

		case <-renameTimer:
			renameTimer = nil
			r.flushPendingRename()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			msg.Warn("watcher error: %v", err)
		}
	}
}

// watchTree registers dir and every non-hidden subdirectory, skipping the
// object tree.
func (r *Reloader) watchTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if r.skipDir(path) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (r *Reloader) skipDir(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") && path != r.opts.WorkingDir {
		return true
	}
	return r.opts.ObjDir != "" && path == r.opts.ObjDir
}

func (r *Reloader) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event, renameTimer <-chan time.Time) <-chan time.Time {
	path := filepath.Clean(event.Name)

	switch {
	case event.Has(fsnotify.Rename):
		// A move is a Rename for the old path followed by a Create for the
		// new one; hold the old path briefly before treating it as deleted.
		r.flushPendingRename()
		if r.tc.IsSource(path) {
			r.pendingRename = path
			return time.After(renameWindow)
		}
		r.onDeleted(path)

	case event.Has(fsnotify.Create):
		if r.pendingRename != "" && r.tc.IsSource(path) {
			r.onMoved(r.takePendingRename(), path)
			return renameTimer
		}
		r.onCreated(watcher, path)

	case event.Has(fsnotify.Remove):
		r.flushPendingRename()
		r.onDeleted(path)

	case event.Has(fsnotify.Write):
		r.onModified(path)
	}
	return renameTimer
}

func (r *Reloader) takePendingRename() string {
	old := r.pendingRename
	r.pendingRename = ""
	return old
}

// flushPendingRename degrades an uncorrelated Rename to a delete.
func (r *Reloader) flushPendingRename() {
	if old := r.takePendingRename(); old != "" {
		r.onDeleted(old)
	}
}

func (r *Reloader) onCreated(watcher *fsnotify.Watcher, path string) {
	if stat, err := os.Stat(path); err == nil && stat.IsDir() {
		if r.skipDir(path) {
			return
		}
		// A directory dropped into the tree may already carry sources.
		if err := r.watchTree(watcher, path); err != nil {
			msg.Warn("watching %s: %v", path, err)
		}
		_ = filepath.WalkDir(path, func(sub string, d fs.DirEntry, err error) error {
			if err == nil && !d.IsDir() && r.tc.IsSource(sub) {
				r.sourceCreated(sub)
			}
			return nil
		})
		return
	}

	if !r.tc.IsSource(path) {
		return
	}
	r.sourceCreated(path)
}

func (r *Reloader) sourceCreated(path string) {
	node := r.graph.Insert(path, true)
	r.cache.Insert(path)
	msg.Info("%s created", node.Key)

	if r.opts.AutoCompile() {
		r.graph.Build(true)
	}
}

func (r *Reloader) onDeleted(path string) {
	var doomed []*graph.Node
	if r.tc.IsSource(path) {
		if node := r.graph.Get(path); node != nil {
			doomed = append(doomed, node)
		}
	} else {
		// Directory (or something we never classified): take every node
		// underneath the prefix.
		doomed = r.graph.SubNodes(path + string(filepath.Separator))
	}
	if len(doomed) == 0 {
		return
	}

	for _, node := range doomed {
		r.graph.Remove(node.Key)
		r.cache.Remove(node.Key)
		r.tc.CleanObject(node.Key)
		msg.Info("%s deleted", node.Key)
	}
	// No rebuild here: the next real source change triggers one.
}

func (r *Reloader) onMoved(oldPath, newPath string) {
	msg.Warn("%s moved to %s", oldPath, newPath)

	r.graph.Move(oldPath, newPath)
	r.cache.Move(oldPath, newPath)
	r.tc.CleanObject(oldPath)

	if r.opts.AutoCompile() {
		r.graph.Build(true)
	}
}

func (r *Reloader) onModified(path string) {
	if !r.tc.IsSource(path) {
		return
	}
	if !r.graph.Has(path) {
		// A write for a file we never saw created; track it now.
		r.sourceCreated(path)
		return
	}
	if r.cache.IsUpToDate(path) {
		// Editors fire several events per save; only the first one that
		// actually changed the content gets through.
		return
	}

	r.cache.Update(path)
	r.graph.Update(path, true)
	msg.Debug("%s modified", path)

	if r.opts.AutoCompile() {
		r.graph.Build(true)
	}
}

// afterLink is the post-build hook, invoked from the link process's success
// callback: the settled state is durable now, and the target may restart.
func (r *Reloader) afterLink() {
	if err := r.cache.Persist(); err != nil {
		msg.Error("persisting cache: %v", err)
	}
	if r.opts.AutoRestart() {
		r.runTarget()
	}
}

func (r *Reloader) runTarget() {
	msg.Info("restarting target: %q", strings.Join(r.tc.TargetCommand(), " "))
	if err := r.target.TerminateAndRun(); err != nil {
		msg.Error("starting target: %v", err)
	}
}
