package hnsw

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"
	"github.com/viant/sqlite-ann/vector"
)

// maxLevelCap bounds node levels; with M >= 2 reaching it is practically impossible.
const maxLevelCap = 31

// Config configures a new Index.
type Config struct {
	Dimension int
	Metric    vector.Metric

	// M is the number of links per node on upper layers; layer 0 keeps 2*M.
	M int
	// EfConstruction is the beam width used while linking new nodes.
	EfConstruction int
	// EfSearch is the default beam width of queries.
	EfSearch int
	// MaxElements caps occupied slots, including deleted ones not yet
	// compacted. Zero means unbounded.
	MaxElements int
	// Seed perturbs the rowid hash that assigns node levels.
	Seed uint64
}

func (c *Config) setDefaults() {
	if c.M < 2 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 64
	}
	if c.Metric == "" {
		c.Metric = vector.MetricL2
	}
}

func (c *Config) maxConns(layer int) int {
	if layer == 0 {
		return c.M * 2
	}
	return c.M
}

type distItem struct {
	slot uint32
	dist float32
}

// minDistHeap pops the closest item first.
type minDistHeap []distItem

func (h minDistHeap) Len() int           { return len(h) }
func (h minDistHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h minDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *minDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// maxDistHeap pops the farthest item first.
type maxDistHeap []distItem

func (h maxDistHeap) Len() int           { return len(h) }
func (h maxDistHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }
func (h maxDistHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x any)        { *h = append(*h, x.(distItem)) }
func (h *maxDistHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type node struct {
	rowid uint64
	vec   []float32
	level int
	links [][]uint32
}

// Index is a Hierarchical Navigable Small World graph keyed by rowid.
//
// Deletes are logical: the slot joins the deleted bitmap and keeps routing
// traffic until Compact unlinks it. Levels derive from a hash of the rowid,
// so replaying the same inserts in the same order rebuilds the same graph.
type Index struct {
	mu       sync.RWMutex
	cfg      Config
	dist     vector.DistanceFunc
	nodes    []*node
	slots    map[uint64]uint32
	deleted  *roaring.Bitmap
	free     []uint32
	entry    int32
	maxLevel int
	levelMul float64
	visited  sync.Pool
}

// MaxM bounds Config.M. Layer 0 keeps up to 2*M links per node and the
// image stores link counts as uint16.
const MaxM = 1024

// New creates an empty index.
func New(cfg Config) (*Index, error) {
	if cfg.Dimension <= 0 {
		return nil, vector.Invalidf("hnsw: dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.M > MaxM {
		return nil, vector.Invalidf("hnsw: M must be at most %d, got %d", MaxM, cfg.M)
	}
	cfg.setDefaults()
	dist, err := cfg.Metric.Func()
	if err != nil {
		return nil, err
	}
	return &Index{
		cfg:      cfg,
		dist:     dist,
		slots:    make(map[uint64]uint32),
		deleted:  roaring.New(),
		entry:    -1,
		levelMul: 1.0 / math.Log(float64(cfg.M)),
	}, nil
}

// Config returns the effective configuration.
func (x *Index) Config() Config { return x.cfg }

func (x *Index) Dimension() int { return x.cfg.Dimension }

// Len returns the number of live entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.slots)
}

// Deleted returns the number of logically deleted entries not yet compacted.
func (x *Index) Deleted() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return int(x.deleted.GetCardinality())
}

func (x *Index) Contains(rowid uint64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.slots[rowid]
	return ok
}

// Insert links vec into the graph under rowid.
func (x *Index) Insert(rowid uint64, vec []float32) error {
	if len(vec) != x.cfg.Dimension {
		return &vector.DimensionMismatchError{Expected: x.cfg.Dimension, Actual: len(vec)}
	}
	v := make([]float32, len(vec))
	copy(v, vec)

	x.mu.Lock()
	defer x.mu.Unlock()
	return x.insert(rowid, v)
}

// Replace hides old and links vec under rowid while holding the write latch
// once, so a concurrent search observes exactly one of the two entries. On
// error neither entry changes.
func (x *Index) Replace(old, rowid uint64, vec []float32) error {
	if len(vec) != x.cfg.Dimension {
		return &vector.DimensionMismatchError{Expected: x.cfg.Dimension, Actual: len(vec)}
	}
	v := make([]float32, len(vec))
	copy(v, vec)

	x.mu.Lock()
	defer x.mu.Unlock()
	slot, ok := x.slots[old]
	if !ok {
		return fmt.Errorf("hnsw: rowid %d: %w", old, vector.ErrNotFound)
	}
	if err := x.insert(rowid, v); err != nil {
		return err
	}
	delete(x.slots, old)
	x.deleted.Add(slot)
	return nil
}

// insert links v under rowid; x.mu must be held for writing.
func (x *Index) insert(rowid uint64, v []float32) error {
	if _, ok := x.slots[rowid]; ok {
		return fmt.Errorf("hnsw: rowid %d: %w", rowid, vector.ErrAlreadyExists)
	}
	if x.cfg.MaxElements > 0 && len(x.nodes)-len(x.free) >= x.cfg.MaxElements {
		return fmt.Errorf("hnsw: %d slots in use: %w", x.cfg.MaxElements, vector.ErrIndexFull)
	}

	level := x.levelFor(rowid)
	n := &node{rowid: rowid, vec: v, level: level, links: make([][]uint32, level+1)}
	slot := x.allocate(n)
	x.slots[rowid] = slot

	if x.entry < 0 {
		x.entry = int32(slot)
		x.maxLevel = level
		return nil
	}

	ep := uint32(x.entry)
	epDist := x.dist(v, x.nodes[ep].vec)
	for l := x.maxLevel; l > level; l-- {
		ep, epDist = x.greedy(v, ep, epDist, l)
	}
	for l := min(level, x.maxLevel); l >= 0; l-- {
		candidates := x.searchLayer(context.Background(), v, distItem{ep, epDist}, x.cfg.EfConstruction, l, nil)
		neighbors := x.selectNeighbors(v, x.linkable(candidates, slot), x.cfg.M)
		n.links[l] = make([]uint32, 0, len(neighbors))
		for _, nb := range neighbors {
			n.links[l] = append(n.links[l], nb.slot)
			x.connect(nb.slot, slot, l)
		}
		if len(candidates) > 0 {
			ep, epDist = candidates[0].slot, candidates[0].dist
		}
	}
	if level > x.maxLevel {
		x.maxLevel = level
		x.entry = int32(slot)
	}
	return nil
}

// Delete hides rowid from searches.
func (x *Index) Delete(rowid uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	slot, ok := x.slots[rowid]
	if !ok {
		return fmt.Errorf("hnsw: rowid %d: %w", rowid, vector.ErrNotFound)
	}
	delete(x.slots, rowid)
	x.deleted.Add(slot)
	return nil
}

// Search returns up to k live neighbours of query. ef below k is raised to k;
// zero selects the configured EfSearch.
func (x *Index) Search(ctx context.Context, query []float32, k, ef int, accept func(uint64) bool) (vector.SearchResult, error) {
	if len(query) != x.cfg.Dimension {
		return nil, &vector.DimensionMismatchError{Expected: x.cfg.Dimension, Actual: len(query)}
	}
	if k <= 0 {
		return nil, vector.Invalidf("k must be positive, got %d", k)
	}
	if ef <= 0 {
		ef = x.cfg.EfSearch
	}
	ef = max(ef, k)

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.entry < 0 || len(x.slots) == 0 {
		return vector.SearchResult{}, nil
	}
	ep := uint32(x.entry)
	epDist := x.dist(query, x.nodes[ep].vec)
	for l := x.maxLevel; l > 0; l-- {
		ep, epDist = x.greedy(query, ep, epDist, l)
	}
	eligible := func(slot uint32) bool {
		if x.deleted.Contains(slot) {
			return false
		}
		return accept == nil || accept(x.nodes[slot].rowid)
	}
	found := x.searchLayer(ctx, query, distItem{ep, epDist}, ef, 0, eligible)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(found) > k {
		found = found[:k]
	}
	result := make(vector.SearchResult, len(found))
	for i, it := range found {
		result[i] = vector.Neighbor{ID: x.nodes[it.slot].rowid, Distance: it.dist}
	}
	result.Sort()
	return result, nil
}

// levelFor draws a level from the exponential distribution using the rowid
// hash as the uniform source.
func (x *Index) levelFor(rowid uint64) int {
	h := splitmix64(rowid ^ x.cfg.Seed)
	u := (float64(h>>11) + 0.5) / float64(uint64(1)<<53)
	level := int(-math.Log(u) * x.levelMul)
	return min(level, maxLevelCap)
}

func splitmix64(v uint64) uint64 {
	v += 0x9e3779b97f4a7c15
	v = (v ^ (v >> 30)) * 0xbf58476d1ce4e5b9
	v = (v ^ (v >> 27)) * 0x94d049bb133111eb
	return v ^ (v >> 31)
}

func (x *Index) allocate(n *node) uint32 {
	if k := len(x.free); k > 0 {
		slot := x.free[k-1]
		x.free = x.free[:k-1]
		x.nodes[slot] = n
		return slot
	}
	x.nodes = append(x.nodes, n)
	return uint32(len(x.nodes) - 1)
}

// greedy walks layer l toward query until no neighbour is closer.
func (x *Index) greedy(query []float32, ep uint32, epDist float32, l int) (uint32, float32) {
	for changed := true; changed; {
		changed = false
		for _, nb := range x.nodes[ep].links[l] {
			if d := x.dist(query, x.nodes[nb].vec); d < epDist {
				ep, epDist, changed = nb, d, true
			}
		}
	}
	return ep, epDist
}

// searchLayer runs a beam search of width ef on layer l. Every reached node
// is expanded; only nodes passing eligible (all when nil) enter the result,
// which is returned closest first.
func (x *Index) searchLayer(ctx context.Context, query []float32, ep distItem, ef, l int, eligible func(uint32) bool) []distItem {
	visited := x.acquireVisited()
	defer x.visited.Put(visited)
	visited.Set(uint(ep.slot))

	candidates := &minDistHeap{ep}
	results := &maxDistHeap{}
	if eligible == nil || eligible(ep.slot) {
		heap.Push(results, ep)
	}
	for steps := 0; candidates.Len() > 0; steps++ {
		if steps&63 == 63 && ctx.Err() != nil {
			break
		}
		c := heap.Pop(candidates).(distItem)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		for _, nb := range x.nodes[c.slot].links[l] {
			if visited.Test(uint(nb)) {
				continue
			}
			visited.Set(uint(nb))
			d := x.dist(query, x.nodes[nb].vec)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, distItem{nb, d})
				if eligible == nil || eligible(nb) {
					heap.Push(results, distItem{nb, d})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}
	out := make([]distItem, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem)
	}
	return out
}

func (x *Index) acquireVisited() *bitset.BitSet {
	if bs, ok := x.visited.Get().(*bitset.BitSet); ok {
		return bs.ClearAll()
	}
	return bitset.New(uint(len(x.nodes)))
}

// linkable drops self and deleted slots from link candidates. Deleted slots
// are kept when nothing else was reached so the new node stays connected.
func (x *Index) linkable(items []distItem, self uint32) []distItem {
	var live, all []distItem
	for _, it := range items {
		if it.slot == self {
			continue
		}
		all = append(all, it)
		if !x.deleted.Contains(it.slot) {
			live = append(live, it)
		}
	}
	if len(live) == 0 {
		return all
	}
	return live
}

// selectNeighbors keeps candidates that are closer to the base than to any
// already selected neighbour, then tops up with the closest pruned ones.
// candidates must be sorted closest first.
func (x *Index) selectNeighbors(base []float32, candidates []distItem, m int) []distItem {
	if len(candidates) <= m {
		return candidates
	}
	selected := make([]distItem, 0, m)
	var pruned []distItem
	for _, c := range candidates {
		if len(selected) >= m {
			break
		}
		good := true
		for _, s := range selected {
			if x.dist(x.nodes[c.slot].vec, x.nodes[s.slot].vec) < c.dist {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, c)
		} else {
			pruned = append(pruned, c)
		}
	}
	for _, p := range pruned {
		if len(selected) >= m {
			break
		}
		selected = append(selected, p)
	}
	return selected
}

// connect adds a back link from slot to target on layer l, pruning slot's
// links when they exceed the layer limit.
func (x *Index) connect(slot, target uint32, l int) {
	n := x.nodes[slot]
	n.links[l] = append(n.links[l], target)
	limit := x.cfg.maxConns(l)
	if len(n.links[l]) <= limit {
		return
	}
	x.relink(n, l, n.links[l], limit)
}

// relink replaces n's links on layer l with the best of pool.
func (x *Index) relink(n *node, l int, pool []uint32, limit int) {
	items := make([]distItem, 0, len(pool))
	for _, s := range pool {
		items = append(items, distItem{s, x.dist(n.vec, x.nodes[s].vec)})
	}
	sortItems(items)
	chosen := x.selectNeighbors(n.vec, items, limit)
	links := make([]uint32, len(chosen))
	for i, c := range chosen {
		links[i] = c.slot
	}
	n.links[l] = links
}

func sortItems(items []distItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].dist < items[j].dist })
}
