package http2

// inflow tracks the receive window for one scope (connection or stream).
// It only counts consumed bytes; the actual limit is enforced by recvAvail.
type inflow struct {
	initial int32
	avail   int32
	pending int32 // consumed but not yet refunded via WINDOW_UPDATE
}

func newInflow(initial int32) inflow {
	return inflow{initial: initial, avail: initial}
}

// consume accounts n received bytes (including padding) and reports the
// WINDOW_UPDATE increment to emit, if any. The emission policy refunds the
// full pending amount once it reaches half the initial window.
func (f *inflow) consume(n int32) (refund int32, ok bool) {
	if n > f.avail {
		return 0, false
	}
	f.avail -= n
	f.pending += n
	if f.pending >= f.initial/2 {
		refund = f.pending
		f.pending = 0
		f.avail += refund
	}
	return refund, true
}
