// Package collection serialises the mutations of one vector collection.
//
// Every Insert, Update, Delete, Checkpoint, Compact and Repair call is queued
// and applied by a single goroutine in submission order. A mutation is first
// written to the durable store and only then applied to the in-memory index;
// when the index refuses it, the durable write is undone. If the undo fails
// as well the collection turns unavailable until Repair rebuilds the index
// from the stored rows.
package collection
