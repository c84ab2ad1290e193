package core

import (
	"maps"
	"sync/atomic"

	"github.com/WizardTales/MicroWizard/pattern"
)

// entry is one registered handler.
type entry struct {
	id      uint64
	handler Handler
}

// chain is an immutable handler list, most recently registered first.
type chain struct {
	head *entry
	next *chain
	size int
}

func (c *chain) push(e *entry) *chain {
	return &chain{head: e, next: c, size: c.len() + 1}
}

func (c *chain) len() int {
	if c == nil {
		return 0
	}
	return c.size
}

// at returns the i-th entry or nil past the end.
func (c *chain) at(i int) *entry {
	for cur := c; cur != nil; cur = cur.next {
		if i == 0 {
			return cur.head
		}
		i--
	}
	return nil
}

// without rebuilds the list minus the entry with the given id.
func (c *chain) without(id uint64) (*chain, bool) {
	var kept []*entry
	found := false
	for cur := c; cur != nil; cur = cur.next {
		if cur.head.id == id {
			found = true
			continue
		}
		kept = append(kept, cur.head)
	}
	if !found {
		return c, false
	}

	var out *chain
	for i := len(kept) - 1; i >= 0; i-- {
		out = out.push(kept[i])
	}
	return out, true
}

// edges is published as a whole; a node's maps are never mutated in place.
type edges struct {
	exact map[string]*node
	wild  map[string]*node
}

// node is a trie node. Readers load edges and chain without locking; writers
// hold the router lock and replace them atomically.
type node struct {
	path  string
	edges atomic.Pointer[edges]
	chain atomic.Pointer[chain]
}

func newNode(path string) *node {
	n := &node{path: path}
	n.edges.Store(&edges{})
	return n
}

func (n *node) exact(token string) *node {
	return n.edges.Load().exact[token]
}

func (n *node) wild(key string) *node {
	return n.edges.Load().wild[key]
}

func (n *node) handlers() *chain {
	return n.chain.Load()
}

func (n *node) hasHandler() bool {
	return n.chain.Load().len() > 0
}

// child returns the child for t, creating and linking it if missing. The child
// is fully built before it becomes reachable.
func (n *node) child(t pattern.Token) *node {
	cur := n.edges.Load()
	if t.Wild {
		if c, ok := cur.wild[t.Key]; ok {
			return c
		}
	} else if c, ok := cur.exact[t.String()]; ok {
		return c
	}

	c := newNode(joinPath(n.path, t.String()))
	next := &edges{exact: cur.exact, wild: cur.wild}
	if t.Wild {
		next.wild = maps.Clone(cur.wild)
		if next.wild == nil {
			next.wild = make(map[string]*node)
		}
		next.wild[t.Key] = c
	} else {
		next.exact = maps.Clone(cur.exact)
		if next.exact == nil {
			next.exact = make(map[string]*node)
		}
		next.exact[t.String()] = c
	}
	n.edges.Store(next)
	return c
}

func (n *node) prepend(e *entry) {
	n.chain.Store(n.chain.Load().push(e))
}

func (n *node) remove(id uint64) bool {
	next, ok := n.chain.Load().without(id)
	if ok {
		n.chain.Store(next)
	}
	return ok
}

func joinPath(prefix, token string) string {
	if prefix == "" {
		return token
	}
	return prefix + "," + token
}

// beam is one in-flight interpretation of a fact during matching.
type beam struct {
	at       *node
	depth    int
	wilds    int
	best     *node
	bestAt   int
	bestWild int
}

func (b *beam) mark() {
	if b.at.hasHandler() {
		b.best, b.bestAt, b.bestWild = b.at, b.depth, b.wilds
	}
}

// better reports whether b beats o: deeper match first, then fewer wildcard
// edges.
func (b *beam) better(o *beam) bool {
	if o == nil || o.best == nil {
		return b.best != nil
	}
	if b.best == nil {
		return false
	}
	if b.bestAt != o.bestAt {
		return b.bestAt > o.bestAt
	}
	return b.bestWild < o.bestWild
}

// match walks the trie from root over fact tokens. Where both an exact and a
// wildcard edge apply the walk forks; all beams advance in lockstep. Tokens
// without an edge are skipped by that beam.
func match(root *node, fact []pattern.Token) *node {
	start := &beam{at: root}
	start.mark()
	beams := []*beam{start}

	for _, t := range fact {
		next := beams[:0:0]
		for _, b := range beams {
			ex := b.at.exact(t.String())
			wc := b.at.wild(t.Key)

			switch {
			case ex != nil && wc != nil:
				fork := *b
				b.at, b.depth = ex, b.depth+1
				b.mark()
				fork.at, fork.depth, fork.wilds = wc, fork.depth+1, fork.wilds+1
				fork.mark()
				next = append(next, b, &fork)
			case ex != nil:
				b.at, b.depth = ex, b.depth+1
				b.mark()
				next = append(next, b)
			case wc != nil:
				b.at, b.depth, b.wilds = wc, b.depth+1, b.wilds+1
				b.mark()
				next = append(next, b)
			default:
				next = append(next, b)
			}
		}
		beams = next
	}

	var win *beam
	for _, b := range beams {
		if b.better(win) {
			win = b
		}
	}
	if win == nil {
		return nil
	}
	return win.best
}
