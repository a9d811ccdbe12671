package vecutil

import (
	"context"
	"fmt"

	"github.com/viant/sqlite-ann/collection"
	"github.com/viant/sqlite-ann/planner"
	"github.com/viant/sqlite-ann/vector"
)

// Metadata keys under which documents keep their identity and text.
const (
	IDField      = "doc_id"
	ContentField = "content"
)

// EmbedFunc converts free-form text into an embedding.
//
// Implementations can call any embedding provider (OpenAI, local model,
// other cloud APIs, etc.) as long as they return a slice of float32 values
// of the collection dimension. The core packages remain embedding-agnostic.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Store is the collection API documents are written through. *vecdb.DB
// implements it.
type Store interface {
	Insert(ctx context.Context, name string, vec []float32, meta vector.Metadata) (uint64, error)
	Update(ctx context.Context, name string, rowid uint64, vec []float32, meta vector.Metadata) (uint64, error)
	Delete(ctx context.Context, name string, rowid uint64) error
	Search(ctx context.Context, name string, req planner.Request) (planner.Result, error)
	Rows(ctx context.Context, name string, ids []uint64) (map[uint64]vector.Row, error)
	Stats(name string) (collection.Stats, error)
}

// UpsertText embeds content and stores it as document id of collection,
// replacing an earlier version of the same document. It returns the rowid
// of the stored row.
func UpsertText(ctx context.Context, store Store, coll string, embed EmbedFunc, id, content string, meta vector.Metadata) (uint64, error) {
	if store == nil {
		return 0, fmt.Errorf("vecutil: store is nil")
	}
	if embed == nil {
		return 0, fmt.Errorf("vecutil: EmbedFunc is nil")
	}
	if id == "" {
		return 0, vector.Invalidf("vecutil: document id is empty")
	}
	vec, err := embed(ctx, content)
	if err != nil {
		return 0, err
	}
	doc := make(vector.Metadata, len(meta)+2)
	for k, v := range meta {
		doc[k] = v
	}
	doc[IDField] = id
	doc[ContentField] = content

	existing, err := lookup(ctx, store, coll, id)
	if err != nil {
		return 0, err
	}
	if len(existing) == 0 {
		return store.Insert(ctx, coll, vec, doc)
	}
	rowid, err := store.Update(ctx, coll, existing[0], vec, doc)
	if err != nil {
		return 0, err
	}
	for _, stale := range existing[1:] {
		if err := store.Delete(ctx, coll, stale); err != nil {
			return 0, err
		}
	}
	return rowid, nil
}

// MatchText embeds query and returns the ids of the k nearest documents.
func MatchText(ctx context.Context, store Store, coll string, embed EmbedFunc, query string, k int) ([]string, error) {
	matches, err := (&Index{Store: store, Collection: coll, Embed: embed}).QueryText(ctx, query, k, nil)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	return ids, nil
}

// lookup returns the rowids of document id. The filter is pushed down to
// SQL, so the probe vector does not affect the result.
func lookup(ctx context.Context, store Store, coll, id string) ([]uint64, error) {
	st, err := store.Stats(coll)
	if err != nil {
		return nil, err
	}
	if st.Live == 0 {
		return nil, nil
	}
	res, err := store.Search(ctx, coll, planner.Request{
		Vector: make([]float32, st.Dimension),
		K:      min(st.Live, planner.MaxK),
		Filter: planner.Eq{Field: IDField, Value: id},
	})
	if err != nil {
		return nil, err
	}
	return res.Neighbors.IDs(), nil
}
