// Package cn implements the write-amplification control plane of a
// log-structured, tree-structured keyspace organizer: a persistent,
// versioned tree of nodes, each holding an ordered list of immutable
// key-value sets ("kvsets").
//
// The package owns the in-memory tree structure and per-node kvset lists,
// the compaction machinery that rewrites and relocates kvsets, and the
// sampling engine that feeds the external scheduler. Durable state (the
// kvset byte contents, the metadata journal, block allocation) is
// delegated entirely to the external interfaces in external.go; cn holds
// no files of its own.
package cn
