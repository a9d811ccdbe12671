package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/viant/sqlite-ann/planner"
	"github.com/viant/sqlite-ann/vecdb"
	"github.com/viant/sqlite-ann/vector"
)

func newInsertCmd(g *globals) *cobra.Command {
	var vec, meta string
	cmd := &cobra.Command{
		Use:   "insert <collection>",
		Short: "Insert a vector and print its rowid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVector(vec)
			if err != nil {
				return err
			}
			m := vector.Metadata{}
			if meta != "" {
				if err := json.Unmarshal([]byte(meta), &m); err != nil {
					return fmt.Errorf("invalid metadata JSON: %w", err)
				}
			}
			return g.withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				id, err := db.Insert(ctx, args[0], v, m)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&vec, "vector", "", "vector as JSON array or comma separated floats")
	cmd.Flags().StringVar(&meta, "metadata", "", "metadata JSON object")
	return cmd
}

type rowView struct {
	ID       uint64          `json:"id"`
	Vector   []float32       `json:"vector"`
	Metadata vector.Metadata `json:"metadata"`
}

func newGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <rowid>",
		Short: "Print a row as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRowID(args[1])
			if err != nil {
				return err
			}
			return g.withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				row, err := db.Get(ctx, args[0], id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rowView{ID: row.ID, Vector: row.Vector, Metadata: row.Metadata})
			})
		},
	}
}

func newDeleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection> <rowid>",
		Short: "Delete a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRowID(args[1])
			if err != nil {
				return err
			}
			return g.withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				if err := db.Delete(ctx, args[0], id); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "row %d deleted\n", id)
				return err
			})
		},
	}
}

type searchView struct {
	Neighbors []neighborView `json:"neighbors"`
	Plan      planner.Plan   `json:"plan"`
}

type neighborView struct {
	ID       uint64          `json:"id"`
	Distance float32         `json:"distance"`
	Metadata vector.Metadata `json:"metadata,omitempty"`
}

func newSearchCmd(g *globals) *cobra.Command {
	var (
		vec      string
		k        int
		quality  int
		filter   string
		withMeta bool
	)
	cmd := &cobra.Command{
		Use:   "search <collection>",
		Short: "Print the k nearest neighbours of a vector as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVector(vec)
			if err != nil {
				return err
			}
			req := planner.Request{Vector: v, K: k, Quality: quality}
			if filter != "" {
				if req.Filter, err = planner.NewJQ(filter); err != nil {
					return err
				}
			}
			return g.withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				res, err := db.Search(ctx, args[0], req)
				if err != nil {
					return err
				}
				view := searchView{Neighbors: make([]neighborView, 0, len(res.Neighbors)), Plan: res.Plan}
				var rows map[uint64]vector.Row
				if withMeta {
					if rows, err = db.Rows(ctx, args[0], res.Neighbors.IDs()); err != nil {
						return err
					}
				}
				for _, n := range res.Neighbors {
					view.Neighbors = append(view.Neighbors, neighborView{ID: n.ID, Distance: n.Distance, Metadata: rows[n.ID].Metadata})
				}
				return printJSON(cmd.OutOrStdout(), view)
			})
		},
	}
	cmd.Flags().StringVar(&vec, "vector", "", "query vector as JSON array or comma separated floats")
	cmd.Flags().IntVar(&k, "k", 10, "number of neighbours")
	cmd.Flags().IntVar(&quality, "quality", 0, "search breadth; 0 uses the collection default")
	cmd.Flags().StringVar(&filter, "filter", "", "jq expression evaluated against row metadata")
	cmd.Flags().BoolVar(&withMeta, "metadata", false, "include row metadata")
	return cmd
}
