package graph

import "time"

// nowNano is the wall-clock source for edge layer-change timestamps.
// Edge.LastChangeAt is advisory bookkeeping (stats/logging), not input
// to the hysteresis decision itself — the selector keeps its own
// injectable clock for that (see pkg/selector) — so a real clock here is
// fine even under test.
func nowNano() int64 {
	return time.Now().UnixNano()
}
