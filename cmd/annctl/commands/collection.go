package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/viant/sqlite-ann/index"
	"github.com/viant/sqlite-ann/vecdb"
	"github.com/viant/sqlite-ann/vector"
)

func newCreateCmd(g *globals) *cobra.Command {
	var (
		dim    int
		metric string
		family string
		params index.Params
	)
	cmd := &cobra.Command{
		Use:   "create <collection>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				opts := []vecdb.CollectionOption{vecdb.WithFamily(index.Family(family))}
				if params != (index.Params{}) {
					opts = append(opts, vecdb.WithParams(params))
				}
				c, err := db.CreateCollection(ctx, args[0], dim, vector.Metric(metric), opts...)
				if err != nil {
					return err
				}
				info := c.Info()
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "collection %s created (dimension %d, metric %s, family %s)\n",
					info.Name, info.Dimension, info.Metric, info.Family)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&dim, "dim", 0, "vector dimension")
	cmd.Flags().StringVar(&metric, "metric", "", "distance metric: l2 or cosine")
	cmd.Flags().StringVar(&family, "family", string(index.FamilyHNSW), "index family: hnsw or flat")
	cmd.Flags().IntVar(&params.M, "m", 0, "HNSW links per node")
	cmd.Flags().IntVar(&params.EfConstruction, "ef-construction", 0, "HNSW construction breadth")
	cmd.Flags().IntVar(&params.EfSearch, "ef-search", 0, "default search breadth")
	cmd.Flags().IntVar(&params.MaxElements, "max-elements", 0, "index capacity; 0 is unbounded")
	_ = cmd.MarkFlagRequired("dim")
	return cmd
}

func newCollectionsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withDB(cmd, func(_ context.Context, db *vecdb.DB) error {
				for _, name := range db.Collections() {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newDropCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <collection>",
		Short: "Drop a collection and its rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				if err := db.DropCollection(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "collection %s dropped\n", args[0])
				return err
			})
		},
	}
}

func newStatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <collection>",
		Short: "Print collection counters as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withDB(cmd, func(_ context.Context, db *vecdb.DB) error {
				st, err := db.Stats(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newCheckpointCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint <collection>",
		Short: "Persist the index of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				m, err := db.Checkpoint(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), m)
			})
		},
	}
}

func newCompactCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "compact <collection>",
		Short: "Remove deleted entries from the index of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				n, err := db.Compact(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d entries removed\n", n)
				return err
			})
		},
	}
}

func newRepairCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "repair <collection>",
		Short: "Rebuild the index of a collection from its rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withDB(cmd, func(ctx context.Context, db *vecdb.DB) error {
				n, err := db.Repair(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d rows indexed\n", n)
				return err
			})
		},
	}
}
