package rtpio

import "golang.org/x/exp/constraints"

// TruncatedIdentifiers holds the wire-width RTP timestamp and sequence
// number exactly as they appear on a packet.
type TruncatedIdentifiers struct {
	Timestamp      uint32
	SequenceNumber uint16
}

func (p TruncatedIdentifiers) Add(delta TruncatedIdentifiers) TruncatedIdentifiers {
	return TruncatedIdentifiers{
		Timestamp:      p.Timestamp + delta.Timestamp,
		SequenceNumber: p.SequenceNumber + delta.SequenceNumber,
	}
}

func (p TruncatedIdentifiers) Sub(delta TruncatedIdentifiers) TruncatedIdentifiers {
	return TruncatedIdentifiers{
		Timestamp:      p.Timestamp - delta.Timestamp,
		SequenceNumber: p.SequenceNumber - delta.SequenceNumber,
	}
}

func (p TruncatedIdentifiers) Max(other TruncatedIdentifiers) TruncatedIdentifiers {
	return TruncatedIdentifiers{
		Timestamp:      maxOf(p.Timestamp, other.Timestamp),
		SequenceNumber: maxOf(p.SequenceNumber, other.SequenceNumber),
	}
}

// ExpandedIdentifiers holds rollover-resolved, full-width counters so
// that deltas can be computed safely across a 16- or 32-bit wrap.
type ExpandedIdentifiers struct {
	Timestamp      uint64
	SequenceNumber uint32
}

func (p ExpandedIdentifiers) Add(delta ExpandedIdentifiers) ExpandedIdentifiers {
	return ExpandedIdentifiers{
		Timestamp:      p.Timestamp + delta.Timestamp,
		SequenceNumber: p.SequenceNumber + delta.SequenceNumber,
	}
}

func (p ExpandedIdentifiers) Sub(delta ExpandedIdentifiers) ExpandedIdentifiers {
	return ExpandedIdentifiers{
		Timestamp:      p.Timestamp - delta.Timestamp,
		SequenceNumber: p.SequenceNumber - delta.SequenceNumber,
	}
}

func (p ExpandedIdentifiers) Max(other ExpandedIdentifiers) ExpandedIdentifiers {
	return ExpandedIdentifiers{
		Timestamp:      maxOf(p.Timestamp, other.Timestamp),
		SequenceNumber: maxOf(p.SequenceNumber, other.SequenceNumber),
	}
}

// maxOf exists because math.Max only operates on float64.
func maxOf[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}
