package planner

import (
	"context"
	"log/slog"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/viant/sqlite-ann/vector"
)

const (
	// MaxK bounds the number of neighbours a request may ask for.
	MaxK = 10000
	// MaxQuality bounds the search breadth a request may ask for.
	MaxQuality = 4096
)

// Strategy names how a request was executed.
type Strategy string

const (
	StrategyANN        Strategy = "ann"
	StrategyExact      Strategy = "exact"
	StrategyBitmap     Strategy = "bitmap"
	StrategyPostFilter Strategy = "postfilter"
)

// Request is a k-nearest-neighbour query. Quality 0 selects the collection
// default search breadth.
type Request struct {
	Vector  []float32
	K       int
	Quality int
	Filter  Filter
}

// Plan reports how a request was executed.
type Plan struct {
	Strategy   Strategy `json:"strategy"`
	Ef         int      `json:"ef"`
	Candidates int      `json:"candidates,omitempty"`
	Matched    int      `json:"matched,omitempty"`
	Retries    int      `json:"retries,omitempty"`
}

// Result is a search answer and the plan that produced it.
type Result struct {
	Neighbors vector.SearchResult `json:"neighbors"`
	Plan      Plan                `json:"plan"`
}

// Searcher is the in-memory index side of a collection.
type Searcher interface {
	Search(ctx context.Context, query []float32, k, ef int, accept func(uint64) bool) (vector.SearchResult, error)
	Len() int
	Dimension() int
}

// Source is the durable row side of a collection.
type Source interface {
	MatchingRowIDs(ctx context.Context, where string, args ...any) (*roaring64.Bitmap, error)
	ExactSearch(ctx context.Context, query []float32, k int, where string, args ...any) (vector.SearchResult, error)
	Rows(ctx context.Context, ids []uint64) (map[uint64]vector.Row, error)
}

// Options tune strategy selection.
type Options struct {
	// EfSearch is the breadth used when a request leaves Quality at 0.
	EfSearch int `yaml:"-"`
	// ExactThreshold is the largest filtered row count ranked in SQL.
	ExactThreshold int `yaml:"exactThreshold"`
	// OverFetch multiplies K for post-filtered searches.
	OverFetch int `yaml:"overFetch"`
	// MaxRetries bounds widening retries of filtered searches.
	MaxRetries int `yaml:"maxRetries"`
}

// DefaultOptions returns the planner defaults.
func DefaultOptions() Options {
	return Options{EfSearch: 64, ExactThreshold: 512, OverFetch: 4, MaxRetries: 3}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.EfSearch <= 0 {
		o.EfSearch = d.EfSearch
	}
	if o.ExactThreshold < 0 {
		o.ExactThreshold = 0
	}
	if o.OverFetch <= 0 {
		o.OverFetch = d.OverFetch
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	return o
}

// Planner chooses and runs a strategy per request.
type Planner struct {
	opts   Options
	logger *slog.Logger
}

// New creates a planner; a nil logger discards.
func New(opts Options, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Planner{opts: opts.withDefaults(), logger: logger}
}

// Options returns the effective options.
func (p *Planner) Options() Options { return p.opts }

// Validate checks req against the bounds and the collection dimension.
func Validate(req Request, dim int) error {
	if req.K <= 0 || req.K > MaxK {
		return vector.Invalidf("k must be in [1, %d], got %d", MaxK, req.K)
	}
	if req.Quality < 0 || req.Quality > MaxQuality {
		return vector.Invalidf("quality must be in [0, %d], got %d", MaxQuality, req.Quality)
	}
	if len(req.Vector) != dim {
		return &vector.DimensionMismatchError{Expected: dim, Actual: len(req.Vector)}
	}
	return ValidateFilter(req.Filter)
}

// Search answers req against idx and src.
func (p *Planner) Search(ctx context.Context, idx Searcher, src Source, req Request) (Result, error) {
	if err := Validate(req, idx.Dimension()); err != nil {
		return Result{}, err
	}
	plan := Plan{Ef: p.ef(req)}
	var (
		res vector.SearchResult
		err error
	)
	switch {
	case req.Filter == nil:
		plan.Strategy = StrategyANN
		res, err = idx.Search(ctx, req.Vector, req.K, plan.Ef, nil)
	case Pushable(req.Filter):
		res, err = p.pushdown(ctx, idx, src, req, &plan)
	default:
		plan.Strategy = StrategyPostFilter
		res, err = p.postFilter(ctx, idx, src, req, &plan)
	}
	if err != nil {
		return Result{}, err
	}
	if res == nil {
		res = vector.SearchResult{}
	}
	p.logger.Debug("search planned", "strategy", plan.Strategy, "k", req.K, "ef", plan.Ef,
		"matched", plan.Matched, "candidates", plan.Candidates, "retries", plan.Retries, "results", len(res))
	return Result{Neighbors: res, Plan: plan}, nil
}

func (p *Planner) ef(req Request) int {
	ef := req.Quality
	if ef == 0 {
		ef = p.opts.EfSearch
	}
	return max(ef, req.K)
}

// pushdown resolves the filter in SQL, then ranks small match sets exactly
// and larger ones by allow-list traversal.
func (p *Planner) pushdown(ctx context.Context, idx Searcher, src Source, req Request, plan *Plan) (vector.SearchResult, error) {
	where, args := req.Filter.(Pushdown).SQL()
	allowed, err := src.MatchingRowIDs(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	matched := int(allowed.GetCardinality())
	plan.Matched = matched
	if matched == 0 {
		plan.Strategy = StrategyExact
		return vector.SearchResult{}, nil
	}
	if matched <= p.opts.ExactThreshold {
		plan.Strategy = StrategyExact
		return src.ExactSearch(ctx, req.Vector, req.K, where, args...)
	}

	plan.Strategy = StrategyBitmap
	want := min(req.K, matched)
	limit := max(idx.Len(), plan.Ef)
	for {
		res, err := idx.Search(ctx, req.Vector, req.K, plan.Ef, allowed.Contains)
		if err != nil {
			return nil, err
		}
		if len(res) >= want || plan.Retries >= p.opts.MaxRetries || plan.Ef >= limit {
			return res, nil
		}
		plan.Retries++
		plan.Ef = min(plan.Ef*2, limit)
	}
}

// postFilter over-fetches candidates from the index and filters their
// metadata in Go, widening the candidate set while too few survive.
func (p *Planner) postFilter(ctx context.Context, idx Searcher, src Source, req Request, plan *Plan) (vector.SearchResult, error) {
	candidates := req.K * p.opts.OverFetch
	for {
		plan.Candidates = candidates
		plan.Ef = max(plan.Ef, candidates)
		found, err := idx.Search(ctx, req.Vector, candidates, plan.Ef, nil)
		if err != nil {
			return nil, err
		}
		rows, err := src.Rows(ctx, found.IDs())
		if err != nil {
			return nil, err
		}
		out := make(vector.SearchResult, 0, req.K)
		for _, n := range found {
			row, ok := rows[n.ID]
			if !ok {
				continue
			}
			match, err := req.Filter.Match(ctx, row.Metadata)
			if err != nil {
				return nil, err
			}
			if match {
				out = append(out, n)
				if len(out) == req.K {
					break
				}
			}
		}
		plan.Matched = len(out)
		exhausted := len(found) < candidates || candidates >= idx.Len()
		if len(out) >= req.K || exhausted || plan.Retries >= p.opts.MaxRetries {
			return out, nil
		}
		plan.Retries++
		candidates *= 2
	}
}
