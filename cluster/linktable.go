package cluster

import (
	"sync"

	"github.com/wasmcloud/host/cmn/debug"
)

// LinkListener is notified whenever a link touching its id (as source or
// target) changes. Component and provider supervisors implement this to
// rebuild import maps / push routing updates.
type LinkListener interface {
	// ID of the component/provider this listener watches for.
	ListenerID() string
	OnLinksChanged()
}

// LinkTable is the in-memory link index: by source id, by target id,
// and by primary key, protected by a single reader-writer lock.
// Readers (the router's hot path) dominate; writers (link updates)
// take the write lock briefly.
type LinkTable struct {
	mu        sync.RWMutex
	bySource  map[string][]*LinkDefinition
	byTarget  map[string][]*LinkDefinition
	byKey     map[LinkKey]*LinkDefinition
	listeners map[string][]LinkListener
	seq       uint64
}

func NewLinkTable() *LinkTable {
	return &LinkTable{
		bySource:  make(map[string][]*LinkDefinition),
		byTarget:  make(map[string][]*LinkDefinition),
		byKey:     make(map[LinkKey]*LinkDefinition),
		listeners: make(map[string][]LinkListener),
	}
}

// Reg registers a listener for notifications about the given id.
func (t *LinkTable) Reg(id string, l LinkListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[id] = append(t.listeners[id], l)
}

func (t *LinkTable) Unreg(id string, l LinkListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ls := t.listeners[id]
	for i, cur := range ls {
		if cur == l {
			t.listeners[id] = append(ls[:i], ls[i+1:]...)
			return
		}
	}
}

// Put overwrites any link with an equal primary key and returns the
// replaced value, if any.
func (t *LinkTable) Put(link LinkDefinition) (replaced *LinkDefinition) {
	t.mu.Lock()
	key := link.Key()
	link.Name = key.Name
	t.seq++
	link.SetSeq(t.seq)
	newLink := link

	if old, ok := t.byKey[key]; ok {
		replaced = old
		t.removeFromIndexLocked(old)
	}
	t.byKey[key] = &newLink
	t.bySource[key.SourceID] = append(t.bySource[key.SourceID], &newLink)
	t.byTarget[newLink.Target] = append(t.byTarget[newLink.Target], &newLink)

	affected := t.affectedListenersLocked(key.SourceID, newLink.Target, replaced)
	t.mu.Unlock()

	notify(affected)
	return replaced
}

// Delete removes the link at the given primary key, if present.
func (t *LinkTable) Delete(key LinkKey) (removed *LinkDefinition) {
	t.mu.Lock()
	old, ok := t.byKey[key]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	t.removeFromIndexLocked(old)
	delete(t.byKey, key)
	removed = old

	affected := t.affectedListenersLocked(key.SourceID, old.Target, nil)
	t.mu.Unlock()

	notify(affected)
	return removed
}

func (t *LinkTable) removeFromIndexLocked(link *LinkDefinition) {
	key := link.Key()
	t.bySource[key.SourceID] = removeLink(t.bySource[key.SourceID], link)
	t.byTarget[link.Target] = removeLink(t.byTarget[link.Target], link)
}

func removeLink(list []*LinkDefinition, target *LinkDefinition) []*LinkDefinition {
	out := list[:0]
	for _, l := range list {
		if l != target {
			out = append(out, l)
		}
	}
	return out
}

func (t *LinkTable) affectedListenersLocked(sourceID, targetID string, oldTarget *LinkDefinition) []LinkListener {
	seen := make(map[string]bool, 3)
	var out []LinkListener
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, t.listeners[id]...)
	}
	add(sourceID)
	add(targetID)
	if oldTarget != nil {
		add(oldTarget.Target)
	}
	return out
}

func notify(listeners []LinkListener) {
	for _, l := range listeners {
		l.OnLinksChanged()
	}
}

// LinksFrom returns all links with the given source id, in insertion
// order, snapshotted under the read lock.
func (t *LinkTable) LinksFrom(sourceID string) []LinkDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return snapshot(t.bySource[sourceID])
}

// LinksTo returns all links with the given target id.
func (t *LinkTable) LinksTo(targetID string) []LinkDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return snapshot(t.byTarget[targetID])
}

func snapshot(in []*LinkDefinition) []LinkDefinition {
	out := make([]LinkDefinition, len(in))
	for i, l := range in {
		out[i] = *l
	}
	return out
}

// All returns every link currently held, in no particular order --
// backs the read-only links.get control-plane query.
func (t *LinkTable) All() []LinkDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]LinkDefinition, 0, len(t.byKey))
	for _, l := range t.byKey {
		out = append(out, *l)
	}
	return out
}

// ImportMap is the per-component grouping the router consults on the
// hot path: (namespace, package, interface) -> candidate links,
// ordered by establishment sequence.
type ImportMap map[ImportKey][]LinkDefinition

// BuildImportMap groups a source's links by (namespace, package,
// interface), taken atomically under the read lock so a concurrent
// Put can never be observed half-applied.
func (t *LinkTable) BuildImportMap(sourceID string) ImportMap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(ImportMap)
	for _, l := range t.bySource[sourceID] {
		for _, iface := range l.Interfaces {
			k := ImportKey{WITNS: l.WITNS, WITPkg: l.WITPkg, Iface: iface}
			out[k] = append(out[k], *l)
		}
	}
	for k, links := range out {
		debug.Assert(len(links) > 0)
		sorted := append([]LinkDefinition(nil), links...)
		for i := 1; i < len(sorted); i++ {
			for j := i; j > 0 && sorted[j].Seq() < sorted[j-1].Seq(); j-- {
				sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			}
		}
		out[k] = sorted
	}
	return out
}

// Resolve picks the link to use for an outbound call on (ns, pkg,
// iface): prefer the link whose name matches nameHint, else the
// earliest established.
func (m ImportMap) Resolve(ns, pkg, iface, nameHint string) (LinkDefinition, bool) {
	links, ok := m[ImportKey{WITNS: ns, WITPkg: pkg, Iface: iface}]
	if !ok || len(links) == 0 {
		return LinkDefinition{}, false
	}
	if nameHint != "" {
		for _, l := range links {
			if l.Name == nameHint {
				return l, true
			}
		}
	}
	return links[0], true // links is sorted ascending by seq
}
