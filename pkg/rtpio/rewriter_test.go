package rtpio_test

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"

	"github.com/flowmesh/sfu/pkg/rtpio"
)

func TestRewriterProducesContiguousMonotonicTimeline(t *testing.T) {
	const outgoingSSRC = 9999

	cases := []struct {
		seqNum         uint16
		ts             uint32
		ssrc           uint32
		expectedSeqNum uint16
		expectedTs     uint32
	}{
		{40000, 1000000, 1111, 0, 0},
		{50000, 1200000, 1111, 10000, 200000},
		{65000, 1500000, 1111, 25000, 500000},
		{10, 2000000, 1111, 25546, 1000000},
		{20, 2000000, 1111, 25556, 1000000},
		{50000, 2000000, 1111, 10000, 1000000},
		{30, 2000000, 1111, 25566, 1000000},
		{10000, 20000, 2222, 25568, 1000001},
		{10001, 20001, 2222, 25569, 1000002},
		{60001, 20002, 2222, 10033, 1000003},
		{60002, 20003, 2222, 10034, 1000004},
		{0, 20004, 2222, 15568, 1000005},
		{15000, 20005, 3333, 15570, 1000006},
	}

	rewriter := rtpio.NewRewriter(outgoingSSRC)

	var previousSeq uint16
	for i, c := range cases {
		packet := &rtp.Packet{Header: rtp.Header{
			SequenceNumber: c.seqNum,
			Timestamp:      c.ts,
			SSRC:           c.ssrc,
		}}

		rewritten := rewriter.ProcessIncoming(packet)

		assert.Equalf(t, c.expectedSeqNum, rewritten.SequenceNumber, "case %d: sequence number", i)
		assert.Equalf(t, c.expectedTs, rewritten.Timestamp, "case %d: timestamp", i)
		assert.Equal(t, uint32(outgoingSSRC), rewritten.SSRC, "outgoing SSRC is always stamped")

		if i > 0 {
			// Within one SSRC the outgoing step equals the incoming step
			// (mod 2^16, so late packets step back); an SSRC switch steps by 2.
			expectedStep := c.seqNum - cases[i-1].seqNum
			if c.ssrc != cases[i-1].ssrc {
				expectedStep = 2
			}
			assert.Equalf(t, expectedStep, rewritten.SequenceNumber-previousSeq, "case %d: sequence step", i)
		}
		previousSeq = rewritten.SequenceNumber
	}
}

func TestRewriterFirstPacketStartsAtZero(t *testing.T) {
	rewriter := rtpio.NewRewriter(42)
	rewritten := rewriter.ProcessIncoming(&rtp.Packet{Header: rtp.Header{
		SequenceNumber: 500,
		Timestamp:      90000,
		SSRC:           1,
	}})

	assert.Equal(t, uint16(0), rewritten.SequenceNumber)
	assert.Equal(t, uint32(0), rewritten.Timestamp)
}

func TestExpandCounterHandlesRollover(t *testing.T) {
	var latest uint64 = 65530
	expanded := rtpio.ExpandCounter(5, 16, &latest)
	assert.Equal(t, uint64(65536+5), expanded)
}

func TestExpandCounterHandlesNoRollover(t *testing.T) {
	var latest uint64 = 100
	expanded := rtpio.ExpandCounter(150, 16, &latest)
	assert.Equal(t, uint64(150), expanded)
}
