// Package planner turns a k-nearest-neighbour request with an optional
// metadata filter into one of four executions: plain ANN traversal, exact
// ranking in SQLite, allow-list traversal over a roaring bitmap, or
// post-filtering of over-fetched candidates.
package planner
