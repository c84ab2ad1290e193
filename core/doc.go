// Package core implements pattern-based action dispatch for MicroWizard.
//
// A Router keeps a trie keyed by the sorted attribute tokens of registered
// patterns. A call is resolved against the trie by walking its fact tokens,
// forking wherever both an exact and a wildcard edge apply, and the deepest
// registration wins. Each registration owns a handler chain; the newest
// handler runs first and reaches older ones through Router.Prior.
package core
