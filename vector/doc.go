// Package vector holds the value types shared by the module:
//   - Row, Neighbor and SearchResult
//   - the fixed-dimension float32 BLOB codec
//   - L2 and cosine metrics
//   - the error taxonomy (sentinels plus typed errors)
package vector
