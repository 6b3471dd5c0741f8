// Package graph maintains the live include dependency graph of a C/C++
// project: which translation units include which headers, which of them are
// stale, and the per-node compile processes that bring them up to date.
package graph

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/schr-build/schr/internal/msg"
	"github.com/schr-build/schr/internal/proc"
	"github.com/schr-build/schr/internal/work"
)

// Toolchain is the slice of the toolchain adapter the graph consumes.
type Toolchain interface {
	IsHeader(path string) bool
	IsExternal(path string) bool
	ObjectPath(src string) string
	IsCompiled(src string) bool
	EnsureObjectDir(src string) error
	SourceIncludes(src string) ([]string, error)
	CompileCommand(src string) []string
	LinkCommand(objects []string) []string
	SourceFiles() ([]string, error)
}

// Node is one watched file. Edges are stored as key sets and resolved through
// the graph map, so nodes never hold references that could outlive a removal.
// Edge sets belong to the controller goroutine; upToDate is also flipped from
// compile callbacks and therefore atomic.
type Node struct {
	Key        string
	IsHeader   bool
	ObjectPath string
	Includes   map[string]struct{}
	IncludedIn map[string]struct{}

	upToDate atomic.Bool
	compile  *proc.Process // nil for headers
}

func (n *Node) UpToDate() bool { return n.upToDate.Load() }

// Graph owns the node arena, the pending-compilation queue and the in-flight
// tracker. The node map is guarded so that link coalescing, which runs on
// compile callback goroutines, can snapshot it while the controller mutates.
type Graph struct {
	tc       Toolchain
	target   string
	onLinked func()

	mu      sync.RWMutex
	nodes   map[string]*Node
	visited map[string]struct{}

	queue    *work.Queue[*Node]
	inflight *work.Tracker
	link     *proc.Process
}

// New bootstraps the graph: every watched file under the working directory is
// inserted, its includes resolved transitively, and every translation unit
// without an object file is queued for compilation. onLinked fires after each
// successful relink.
func New(tc Toolchain, target string, onLinked func()) (*Graph, error) {
	g := &Graph{
		tc:       tc,
		target:   target,
		onLinked: onLinked,
		nodes:    make(map[string]*Node),
		visited:  make(map[string]struct{}),
		queue:    work.NewQueue[*Node](),
		inflight: work.NewTracker(),
	}
	g.link = proc.New(tc.LinkCommand(nil), proc.Options{
		Name:      "link " + target,
		OnStderr:  relayStderr,
		OnSuccess: g.onLinkSuccess,
		OnError:   g.onLinkError,
	})

	keysToVisit, err := tc.SourceFiles()
	if err != nil {
		return nil, fmt.Errorf("enumerating sources: %w", err)
	}
	var bar *msg.ProgressBar
	if len(keysToVisit) >= 25 {
		msg.Warn("%d files to resolve, this may take some time...", len(keysToVisit))
		bar = msg.NewProgressBar(len(keysToVisit), os.Stdout)
	}

	for len(keysToVisit) > 0 {
		key := keysToVisit[len(keysToVisit)-1]
		keysToVisit = keysToVisit[:len(keysToVisit)-1]

		if _, seen := g.visited[key]; seen || tc.IsExternal(key) {
			continue
		}
		node := g.Get(key)
		if node == nil {
			node = g.Insert(key, false)
		}
		for inc := range node.Includes {
			keysToVisit = append(keysToVisit, inc)
		}
		if bar != nil {
			bar.Step(1)
		}
	}
	if bar != nil {
		bar.Finish()
	}

	for _, node := range g.Sources() {
		if !tc.IsCompiled(node.Key) {
			g.queue.Enqueue(node)
		}
	}
	return g, nil
}

func (g *Graph) Has(key string) bool { return g.Get(key) != nil }

func (g *Graph) Get(key string) *Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[key]
}

// Nodes returns a key-sorted snapshot of the arena.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	nodes := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, n)
	}
	g.mu.RUnlock()
	slices.SortFunc(nodes, func(a, b *Node) int { return strings.Compare(a.Key, b.Key) })
	return nodes
}

// Sources returns every translation-unit node, key-sorted.
func (g *Graph) Sources() []*Node {
	var sources []*Node
	for _, n := range g.Nodes() {
		if !n.IsHeader {
			sources = append(sources, n)
		}
	}
	return sources
}

// Headers returns every header node, key-sorted.
func (g *Graph) Headers() []*Node {
	var headers []*Node
	for _, n := range g.Nodes() {
		if n.IsHeader {
			headers = append(headers, n)
		}
	}
	return headers
}

// SubNodes returns every node whose key starts with prefix; this is how a
// directory delete resolves to the files it contained.
func (g *Graph) SubNodes(prefix string) []*Node {
	var subs []*Node
	for _, n := range g.Nodes() {
		if strings.HasPrefix(n.Key, prefix) {
			subs = append(subs, n)
		}
	}
	return subs
}

// Keys returns every node key, sorted.
func (g *Graph) Keys() []string {
	nodes := g.Nodes()
	keys := make([]string, len(nodes))
	for i, n := range nodes {
		keys[i] = n.Key
	}
	return keys
}

func (g *Graph) newNode(key string) *Node {
	n := &Node{
		Key:        key,
		IsHeader:   g.tc.IsHeader(key),
		ObjectPath: g.tc.ObjectPath(key),
		Includes:   make(map[string]struct{}),
		IncludedIn: make(map[string]struct{}),
	}
	n.upToDate.Store(g.tc.IsCompiled(key))
	if !n.IsHeader {
		// The callback closure captures the node pointer and the graph's
		// synchronized facades only; the node map is only read from it, under
		// the read lock, when tryLink snapshots the sources.
		n.compile = proc.New(g.tc.CompileCommand(key), proc.Options{
			Name:      key,
			OnStderr:  relayStderr,
			OnSuccess: func() { g.onCompileSuccess(n) },
			OnError:   func() { g.onCompileError(n) },
		})
	}
	return n
}

// Insert creates the node for key, resolves its includes (inserting in-tree
// include targets recursively) and, when enqueue is set, queues it for
// compilation unless an object file already exists. Inserting a header
// refreshes every existing node so newly-resolvable inclusions are picked up.
func (g *Graph) Insert(key string, enqueue bool) *Node {
	if existing := g.Get(key); existing != nil {
		g.Update(key, enqueue)
		return existing
	}

	n := g.newNode(key)
	g.mu.Lock()
	g.nodes[key] = n
	g.mu.Unlock()

	g.visit(n, enqueue)

	if n.IsHeader {
		for _, other := range g.Nodes() {
			g.Update(other.Key, enqueue)
		}
	}

	if enqueue && !n.IsHeader && !g.tc.IsCompiled(key) {
		g.queue.Enqueue(n)
	}
	return n
}

// visit asks the toolchain for the node's includes and wires symmetric edges,
// inserting previously unseen in-tree nodes along the way. A preprocessor
// failure leaves the node isolated.
func (g *Graph) visit(n *Node, enqueue bool) {
	includes, err := g.tc.SourceIncludes(n.Key)
	if err != nil {
		msg.Warn("include scan of %s failed: %v", n.Key, err)
	}

	for _, inc := range includes {
		if g.tc.IsExternal(inc) {
			continue
		}
		linked := g.Get(inc)
		if linked == nil {
			linked = g.Insert(inc, enqueue)
		}
		linked.IncludedIn[n.Key] = struct{}{}
		n.Includes[linked.Key] = struct{}{}
	}

	g.visited[n.Key] = struct{}{}
}

// Update clears the node's outgoing edges symmetrically, revisits it, marks
// it stale and, when enqueue is set, queues it.
func (g *Graph) Update(key string, enqueue bool) *Node {
	n := g.Get(key)
	if n == nil {
		return nil
	}

	for inc := range n.Includes {
		if linked := g.Get(inc); linked != nil {
			delete(linked.IncludedIn, key)
		}
	}
	clear(n.Includes)

	g.visit(n, enqueue)

	n.upToDate.Store(false)
	if enqueue {
		g.queue.Enqueue(n)
	}
	return n
}

// Remove erases the node and its edges from both sides, drops any pending
// queue entry, releases its in-flight slot and terminates its compile process
// so no callback can fire for a node that no longer exists.
func (g *Graph) Remove(key string) {
	n := g.Get(key)
	if n == nil {
		return
	}

	for inc := range n.Includes {
		if linked := g.Get(inc); linked != nil {
			delete(linked.IncludedIn, key)
		}
	}
	for dep := range n.IncludedIn {
		if depNode := g.Get(dep); depNode != nil {
			delete(depNode.Includes, key)
		}
	}

	g.queue.Remove(n)
	g.inflight.Release(key)
	if n.compile != nil {
		n.compile.Terminate()
	}

	g.mu.Lock()
	delete(g.nodes, key)
	g.mu.Unlock()
}

// Move transplants a node to a new path. The new node re-scans its own
// includes; the reverse edges of the old node are carried over so the
// translation units that depended on the old path keep depending on the new
// one. The moved node is always queued.
func (g *Graph) Move(oldKey, newKey string) *Node {
	var carried []string
	if old := g.Get(oldKey); old != nil {
		for dep := range old.IncludedIn {
			carried = append(carried, dep)
		}
		g.Remove(oldKey)
	}

	moved := g.Get(newKey)
	if moved == nil {
		moved = g.Insert(newKey, false)
	}

	for _, dep := range carried {
		depNode := g.Get(dep)
		if depNode == nil {
			continue
		}
		moved.IncludedIn[dep] = struct{}{}
		depNode.Includes[newKey] = struct{}{}
	}

	moved.upToDate.Store(false)
	g.queue.Enqueue(moved)
	return moved
}

// MarkOutdated queues the node for recompilation.
func (g *Graph) MarkOutdated(key string) {
	n := g.Get(key)
	if n == nil {
		return
	}
	g.queue.Enqueue(n)
	n.upToDate.Store(false)
}

// Build drains the queue and recompiles each stale node. Reports whether any
// node was drained at all.
func (g *Graph) Build(propagate bool) bool {
	drained := g.queue.Drain()
	for _, n := range drained {
		g.recompile(n, propagate)
	}
	return len(drained) > 0
}

// recompile brings one node up to date. Headers are never compiled: their
// dependents are recompiled instead, which is what "fresh" means for them.
func (g *Graph) recompile(n *Node, propagate bool) {
	if n.UpToDate() {
		return
	}

	if n.IsHeader {
		for dep := range n.IncludedIn {
			depNode := g.Get(dep)
			if depNode == nil {
				continue
			}
			if propagate {
				depNode.upToDate.Store(false)
			}
			g.recompile(depNode, propagate)
		}
		n.upToDate.Store(true)
		return
	}

	g.inflight.Acquire(n.Key)
	if err := g.tc.EnsureObjectDir(n.Key); err != nil {
		msg.Error("creating object directory for %s: %v", n.Key, err)
	}
	msg.Debug("%s", strings.Join(g.tc.CompileCommand(n.Key), " "))
	if err := n.compile.TerminateAndRun(); err != nil {
		msg.Error("spawning compiler for %s: %v", n.Key, err)
		g.inflight.Release(n.Key)
		g.queue.Enqueue(n)
	}
}

func (g *Graph) onCompileSuccess(n *Node) {
	n.upToDate.Store(true)
	msg.Info("%s recompiled", n.Key)
	g.inflight.Release(n.Key)
	g.tryLink()
}

func (g *Graph) onCompileError(n *Node) {
	msg.Error("%s compilation error", n.Key)
	g.inflight.Release(n.Key)
	g.queue.Enqueue(n)
}

// tryLink relinks the target iff nothing is in flight and nothing is queued.
// Every compile success funnels through here, so the last compile of a
// settled batch submits the batch's only link.
func (g *Graph) tryLink() {
	if !g.inflight.FullyReleased() || !g.queue.IsEmpty() {
		return
	}

	sources := g.Sources()
	objects := make([]string, len(sources))
	for i, n := range sources {
		objects[i] = n.ObjectPath
	}

	argv := g.tc.LinkCommand(objects)
	msg.Debug("%s", strings.Join(argv, " "))
	g.link.Terminate()
	if err := g.link.RunWithCommand(argv); err != nil {
		msg.Error("spawning linker: %v", err)
	}
}

func (g *Graph) onLinkSuccess() {
	msg.Success("target %s relinked", g.target)
	if g.onLinked != nil {
		g.onLinked()
	}
}

func (g *Graph) onLinkError() {
	msg.Error("target %s linking error", g.target)
}

func relayStderr(line string) {
	fmt.Fprintln(os.Stderr, line)
}
