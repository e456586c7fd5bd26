// Package concmark implements the core of a concurrent, incremental,
// mostly-parallel mark engine for a region-partitioned managed heap: it
// computes the transitive closure of live objects while the mutator
// continues to run, using a snapshot-at-the-beginning discipline.
//
// The package owns the marking state (bitmap, per-region TAMS/TARS,
// per-region live-word statistics), the per-worker marking task (Task),
// and the coordinator that drives a cycle from start to completion
// (Coordinator). Region allocation and evacuation, write-barrier
// production, reference-processor policy, remembered-set rebuild,
// eager-reclaim bookkeeping, verification, and heap expansion are external
// collaborators reached only through the interfaces in the heap and satb
// subpackages.
//
// Task and Coordinator are deliberately kept in one package: they share
// state (the region-claim finger, overflow flags, per-worker slots) the
// way C++ friend classes would in the source this design is grounded on,
// and Go's usual substitute for that coupling is unexported fields shared
// within a single package rather than a public cross-package API.
package concmark
