package concmark

import "concmark/heap"

// noTARS is the TARS sentinel meaning "not selected for remembered-set
// rebuild" (spec.md §3: "null means not selected").
const noTARS heap.Addr = ^heap.Addr(0)

// Region is the claimed view of one heap region a marking task works on:
// its index, its bottom address, and region_limit -- the region's TAMS,
// which upper-bounds what this cycle marks in it.
type Region struct {
	Index  int
	Bottom heap.Addr
	Limit  heap.Addr // == TAMS(Index) at claim time
}

// Empty reports whether the region held no marking work at snapshot time
// (bottom == TAMS), the case claim_region skips per spec.md §4.7.1.
func (r Region) Empty() bool { return r.Bottom >= r.Limit }
