// Package bruteforce provides an exact index that answers kNN queries by
// scanning all vectors with the collection metric. It backs the "flat"
// family and serves as the reference when measuring HNSW recall.
package bruteforce
