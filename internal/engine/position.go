package engine

import "time"

// DefaultPositionGap spaces board neighbors far enough apart that midpoint
// insertion keeps exact float64 keys for tens of repeated splits.
const DefaultPositionGap = 100000

// ComputePosition returns the ordering key for inserting a task at index
// within a board partition whose existing keys are given in ascending order.
// An empty partition seeds from the wall clock so later partitions sort after
// earlier ones even across restarts; head and tail extend by gap; anything in
// between takes the midpoint of its neighbors.
func ComputePosition(neighbors []float64, index int, now func() time.Time, gap float64) float64 {
	if gap <= 0 {
		gap = DefaultPositionGap
	}
	if len(neighbors) == 0 {
		return float64(now().UnixMilli())
	}
	if index <= 0 {
		return neighbors[0] - gap
	}
	if index >= len(neighbors) {
		return neighbors[len(neighbors)-1] + gap
	}
	return (neighbors[index-1] + neighbors[index]) / 2
}
