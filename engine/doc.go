// Package engine provides helpers for working with the modernc.org/sqlite
// driver in this module: opening WAL connections with the pragmas the store
// relies on and registering the vec_l2, vec_cosine and vec_dim SQL scalar
// functions. It keeps a thin surface so other packages share one driver.
package engine
