// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest-neighbour search over rowid-keyed float32 vectors,
// with logical deletes, batched compaction and a versioned binary image.
package hnsw
