package hnsw

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/viant/sqlite-ann/vector"
)

// Binary image layout (little-endian):
//
//	magic "ANNH" | version u16 | metric (u8 len + bytes) | dim u32 | M u32
//	efConstruction u32 | efSearch u32 | maxElements u32 | seed u64
//	entry i32 | maxLevel u32 | slots u32
//	per slot: present u8 [rowid u64 | level u8 | vec f32*dim |
//	          per level: count u16 | links u32*count]
//	deleted bitmap: len u32 | roaring bytes
const (
	magic         = "ANNH"
	formatVersion = uint16(1)
)

// MarshalBinary encodes the full graph, including logically deleted nodes.
func (x *Index) MarshalBinary() ([]byte, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	var err error
	put := func(v any) {
		if err == nil {
			err = binary.Write(w, binary.LittleEndian, v)
		}
	}

	w.WriteString(magic)
	put(formatVersion)
	put(uint8(len(x.cfg.Metric)))
	w.WriteString(string(x.cfg.Metric))
	put(uint32(x.cfg.Dimension))
	put(uint32(x.cfg.M))
	put(uint32(x.cfg.EfConstruction))
	put(uint32(x.cfg.EfSearch))
	put(uint32(x.cfg.MaxElements))
	put(x.cfg.Seed)
	put(x.entry)
	put(uint32(x.maxLevel))
	put(uint32(len(x.nodes)))
	for slot, n := range x.nodes {
		if n == nil {
			put(uint8(0))
			continue
		}
		put(uint8(1))
		put(n.rowid)
		put(uint8(n.level))
		put(n.vec)
		for l, links := range n.links {
			if len(links) > math.MaxUint16 {
				return nil, fmt.Errorf("hnsw: slot %d layer %d has %d links, image holds at most %d", slot, l, len(links), math.MaxUint16)
			}
			put(uint16(len(links)))
			put(links)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("hnsw: encode graph: %w", err)
	}
	deleted, err := x.deleted.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("hnsw: encode deleted set: %w", err)
	}
	put(uint32(len(deleted)))
	w.Write(deleted)
	if err != nil {
		return nil, fmt.Errorf("hnsw: encode deleted set: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary replaces the index content with a decoded image. The image
// must match the configured dimension and metric.
func (x *Index) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	var err error
	get := func(v any) {
		if err == nil {
			err = binary.Read(r, binary.LittleEndian, v)
		}
	}

	head := make([]byte, len(magic))
	if _, err := io.ReadFull(r, head); err != nil || string(head) != magic {
		return fmt.Errorf("%w: hnsw: bad magic", vector.ErrCorruptPayload)
	}
	var version uint16
	get(&version)
	if err == nil && version != formatVersion {
		return fmt.Errorf("%w: hnsw image version %d", vector.ErrUnsupportedVersion, version)
	}
	var metricLen uint8
	get(&metricLen)
	metric := make([]byte, metricLen)
	get(metric)

	var dim, m, efc, efs, maxElements, maxLevel, count uint32
	var seed uint64
	var entry int32
	get(&dim)
	get(&m)
	get(&efc)
	get(&efs)
	get(&maxElements)
	get(&seed)
	get(&entry)
	get(&maxLevel)
	get(&count)
	if err != nil {
		return corrupt(err)
	}
	if int(dim) != x.cfg.Dimension {
		return &vector.DimensionMismatchError{Expected: x.cfg.Dimension, Actual: int(dim)}
	}
	if vector.Metric(metric) != x.cfg.Metric {
		return fmt.Errorf("%w: hnsw image metric %q, index metric %q", vector.ErrCorruptPayload, metric, x.cfg.Metric)
	}
	if uint64(count) > uint64(r.Len()) {
		return fmt.Errorf("%w: hnsw: slot count %d exceeds image", vector.ErrCorruptPayload, count)
	}

	nodes := make([]*node, count)
	slots := make(map[uint64]uint32, count)
	var free []uint32
	for slot := range nodes {
		var present uint8
		get(&present)
		if err != nil {
			return corrupt(err)
		}
		if present == 0 {
			free = append(free, uint32(slot))
			continue
		}
		n := &node{vec: make([]float32, dim)}
		var level uint8
		get(&n.rowid)
		get(&level)
		get(n.vec)
		n.level = int(level)
		n.links = make([][]uint32, n.level+1)
		for l := range n.links {
			var k uint16
			get(&k)
			n.links[l] = make([]uint32, k)
			get(n.links[l])
		}
		if err != nil {
			return corrupt(err)
		}
		nodes[slot] = n
	}
	slices.Reverse(free)
	var deletedLen uint32
	get(&deletedLen)
	if err != nil || uint64(deletedLen) > uint64(r.Len()) {
		return corrupt(errors.Join(err, errors.New("deleted set truncated")))
	}
	raw := make([]byte, deletedLen)
	get(raw)
	deleted := roaring.New()
	if err == nil {
		err = deleted.UnmarshalBinary(raw)
	}
	if err != nil {
		return corrupt(err)
	}
	for slot, n := range nodes {
		if n == nil {
			continue
		}
		for _, links := range n.links {
			for _, s := range links {
				if int(s) >= len(nodes) || nodes[s] == nil {
					return fmt.Errorf("%w: hnsw: dangling link %d -> %d", vector.ErrCorruptPayload, slot, s)
				}
			}
		}
		if !deleted.Contains(uint32(slot)) {
			slots[n.rowid] = uint32(slot)
		}
	}
	if entry >= int32(len(nodes)) || (entry >= 0 && nodes[entry] == nil) {
		return fmt.Errorf("%w: hnsw: invalid entry %d", vector.ErrCorruptPayload, entry)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.cfg.M = int(m)
	x.levelMul = 1.0 / math.Log(float64(max(x.cfg.M, 2)))
	x.cfg.EfConstruction = int(efc)
	x.cfg.EfSearch = int(efs)
	x.cfg.MaxElements = int(maxElements)
	x.cfg.Seed = seed
	x.nodes = nodes
	x.slots = slots
	x.deleted = deleted
	x.free = free
	x.entry = entry
	x.maxLevel = int(maxLevel)
	return nil
}

func corrupt(err error) error {
	return fmt.Errorf("%w: hnsw: %v", vector.ErrCorruptPayload, err)
}
