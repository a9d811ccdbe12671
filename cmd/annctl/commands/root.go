package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/viant/sqlite-ann/vecdb"
)

type globals struct {
	dbPath     string
	configPath string
	logLevel   string
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "annctl",
		Short:         "CLI for approximate nearest neighbour search in SQLite",
		Long:          `annctl manages collections of vectors stored in a SQLite database and searches them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.dbPath, "db", "ann.sqlite", "database file")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML configuration file; overrides --db")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(
		newCreateCmd(g),
		newInsertCmd(g),
		newGetCmd(g),
		newDeleteCmd(g),
		newSearchCmd(g),
		newCheckpointCmd(g),
		newCompactCmd(g),
		newRepairCmd(g),
		newStatsCmd(g),
		newCollectionsCmd(g),
		newDropCmd(g),
	)
	return root
}

// config disables the SQL modules: commands use the Go API, and a module
// name serves one database per process.
func (g *globals) config() (vecdb.Config, error) {
	if g.configPath != "" {
		cfg, err := vecdb.LoadConfig(g.configPath)
		cfg.SQL.Disabled = true
		return cfg, err
	}
	cfg := vecdb.DefaultConfig(g.dbPath)
	cfg.Log.Level = g.logLevel
	cfg.SQL.Disabled = true
	return cfg, cfg.Validate()
}

// withDB opens the database for the duration of fn. Closing checkpoints
// collections that changed.
func (g *globals) withDB(cmd *cobra.Command, fn func(ctx context.Context, db *vecdb.DB) error) (err error) {
	cfg, err := g.config()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := vecdb.Open(ctx, cfg, vecdb.WithLogWriter(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(ctx); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, db)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// parseVector accepts a JSON array or a comma separated list of floats.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("vector is required")
	}
	if strings.HasPrefix(s, "[") {
		var v []float32
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("invalid vector JSON: %w", err)
		}
		return v, nil
	}
	parts := strings.Split(s, ",")
	v := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector format: %w", err)
		}
		v = append(v, float32(f))
	}
	return v, nil
}

func parseRowID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rowid %q", s)
	}
	return id, nil
}
