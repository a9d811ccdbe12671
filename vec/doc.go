// Package vec implements the ann SQLite virtual table. A table created with
// USING ann(<collection>) answers k-nearest-neighbour queries against a
// collection of an open database:
//
//	SELECT rowid, distance, metadata FROM t
//	WHERE query MATCH ? AND k = 10 [AND quality = 128] [AND filter = '.lang == "go"']
//
// The query is a little-endian float32 BLOB, a JSON array or a comma
// separated list. Rows arrive ordered by distance. The table is read-only;
// rows are written through the collection API.
package vec
