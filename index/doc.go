// Package index defines the nearest-neighbour index abstraction used by
// collections and a factory over the available families: HNSW for
// approximate search and a flat brute-force scan for exact search.
package index
