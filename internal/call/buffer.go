package call

import "github.com/pion/webrtc/v4"

// candidateBuffer holds remote ICE candidates that arrived before the
// remote description. The relay gives no cross-kind ordering, so
// candidates racing ahead of the offer/answer are parked here and applied
// once the description lands.
//
// The buffer is drained exactly once, in arrival order; after that,
// candidates are applied directly and Add refuses them.
type candidateBuffer struct {
	pending []webrtc.ICECandidateInit
	drained bool
}

// Add parks a candidate. Returns false once the buffer has been drained.
func (b *candidateBuffer) Add(c webrtc.ICECandidateInit) bool {
	if b.drained {
		return false
	}
	b.pending = append(b.pending, c)
	return true
}

// Drain returns every buffered candidate in arrival order and discards
// the buffer. A second drain yields nothing.
func (b *candidateBuffer) Drain() []webrtc.ICECandidateInit {
	if b.drained {
		return nil
	}
	b.drained = true
	out := b.pending
	b.pending = nil
	return out
}

func (b *candidateBuffer) Drained() bool { return b.drained }

func (b *candidateBuffer) Len() int { return len(b.pending) }
