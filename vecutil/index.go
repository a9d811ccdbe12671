package vecutil

import (
	"context"
	"fmt"

	"github.com/viant/sqlite-ann/planner"
	"github.com/viant/sqlite-ann/vector"
)

// Index provides a higher-level, Pinecone-style API on top of a collection.
// It remains embedding-agnostic by requiring an EmbedFunc supplied by the
// caller.
type Index struct {
	Store      Store
	Collection string
	Embed      EmbedFunc
}

// NewIndex constructs an Index over an existing collection.
func NewIndex(store Store, coll string, embed EmbedFunc) (*Index, error) {
	if store == nil {
		return nil, fmt.Errorf("vecutil: store is nil")
	}
	if embed == nil {
		return nil, fmt.Errorf("vecutil: EmbedFunc is nil")
	}
	if _, err := store.Stats(coll); err != nil {
		return nil, err
	}
	return &Index{Store: store, Collection: coll, Embed: embed}, nil
}

// Document is a logical document; Meta is stored alongside its identity
// and content.
type Document struct {
	ID      string
	Content string
	Meta    vector.Metadata
}

// Match represents a single similarity search hit.
type Match struct {
	ID       string
	RowID    uint64
	Distance float32
	// Score is the cosine similarity of the query and the document.
	Score   float64
	Content string
	Meta    vector.Metadata
}

// UpsertDocumentsText embeds and stores docs, replacing earlier versions of
// documents with the same id.
func (ix *Index) UpsertDocumentsText(ctx context.Context, docs []Document) error {
	for _, d := range docs {
		if _, err := UpsertText(ctx, ix.Store, ix.Collection, ix.Embed, d.ID, d.Content, d.Meta); err != nil {
			return fmt.Errorf("vecutil: upsert %q: %w", d.ID, err)
		}
	}
	return nil
}

// DeleteDocuments removes the documents with the given ids; unknown ids are
// ignored.
func (ix *Index) DeleteDocuments(ctx context.Context, ids []string) error {
	for _, id := range ids {
		rowids, err := lookup(ctx, ix.Store, ix.Collection, id)
		if err != nil {
			return err
		}
		for _, rowid := range rowids {
			if err := ix.Store.Delete(ctx, ix.Collection, rowid); err != nil {
				return err
			}
		}
	}
	return nil
}

// QueryText returns the k documents nearest to the embedding of query,
// restricted to those accepted by filter when it is set.
func (ix *Index) QueryText(ctx context.Context, query string, k int, filter planner.Filter) ([]Match, error) {
	if ix.Store == nil {
		return nil, fmt.Errorf("vecutil: store is nil on Index")
	}
	if ix.Embed == nil {
		return nil, fmt.Errorf("vecutil: EmbedFunc is nil on Index")
	}
	qVec, err := ix.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	res, err := ix.Store.Search(ctx, ix.Collection, planner.Request{Vector: qVec, K: k, Filter: filter})
	if err != nil {
		return nil, err
	}
	rows, err := ix.Store.Rows(ctx, ix.Collection, res.Neighbors.IDs())
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(res.Neighbors))
	for _, n := range res.Neighbors {
		row, ok := rows[n.ID]
		if !ok {
			continue
		}
		score, err := vector.CosineSimilarity(qVec, row.Vector)
		if err != nil {
			return nil, err
		}
		id, _ := row.Metadata[IDField].(string)
		content, _ := row.Metadata[ContentField].(string)
		meta := make(vector.Metadata, len(row.Metadata))
		for k, v := range row.Metadata {
			if k != IDField && k != ContentField {
				meta[k] = v
			}
		}
		out = append(out, Match{ID: id, RowID: n.ID, Distance: n.Distance, Score: score, Content: content, Meta: meta})
	}
	return out, nil
}
