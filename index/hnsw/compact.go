package hnsw

import "sort"

// Compact unlinks up to batch logically deleted nodes, repairs the
// neighbourhoods that pointed at them and frees their slots. It holds the
// write latch for one batch; callers loop until it returns 0.
func (x *Index) Compact(batch int) int {
	if batch <= 0 {
		batch = 256
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.deleted.IsEmpty() {
		return 0
	}

	removed := make(map[uint32]*node, batch)
	it := x.deleted.Iterator()
	for it.HasNext() && len(removed) < batch {
		slot := it.Next()
		removed[slot] = x.nodes[slot]
	}

	for slot, n := range x.nodes {
		if n == nil {
			continue
		}
		if _, gone := removed[uint32(slot)]; gone {
			continue
		}
		for l := range n.links {
			x.repairLinks(n, uint32(slot), l, removed)
		}
	}

	for slot := range removed {
		x.nodes[slot] = nil
		x.free = append(x.free, slot)
		x.deleted.Remove(slot)
	}
	// Keep slot reuse independent of map order.
	sort.Slice(x.free, func(i, j int) bool { return x.free[i] > x.free[j] })
	if _, gone := removed[uint32(max(x.entry, 0))]; gone || x.entry < 0 {
		x.electEntry()
	}
	return len(removed)
}

// repairLinks drops links to removed nodes on layer l and, when any were
// dropped, refills from the removed nodes' own neighbours.
func (x *Index) repairLinks(n *node, self uint32, l int, removed map[uint32]*node) {
	links := n.links[l]
	kept := links[:0:0]
	var lost []*node
	for _, s := range links {
		if r, gone := removed[s]; gone {
			lost = append(lost, r)
			continue
		}
		kept = append(kept, s)
	}
	if len(lost) == 0 {
		return
	}
	seen := make(map[uint32]struct{}, len(kept))
	pool := make([]uint32, 0, len(kept)+len(lost)*x.cfg.M)
	for _, s := range kept {
		seen[s] = struct{}{}
		pool = append(pool, s)
	}
	for _, r := range lost {
		if l >= len(r.links) {
			continue
		}
		for _, s := range r.links[l] {
			if s == self {
				continue
			}
			if _, gone := removed[s]; gone {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			pool = append(pool, s)
		}
	}
	x.relink(n, l, pool, x.cfg.maxConns(l))
}

// electEntry picks the highest-level remaining node, preferring live ones.
func (x *Index) electEntry() {
	x.entry, x.maxLevel = -1, 0
	best, bestLive := -1, false
	for slot, n := range x.nodes {
		if n == nil {
			continue
		}
		live := !x.deleted.Contains(uint32(slot))
		switch {
		case best < 0,
			live && !bestLive,
			live == bestLive && n.level > x.nodes[best].level:
			best, bestLive = slot, live
		}
	}
	if best >= 0 {
		x.entry = int32(best)
		x.maxLevel = x.nodes[best].level
	}
}
