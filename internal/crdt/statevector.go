package crdt

import (
	"encoding/json"
	"fmt"
)

// StateVector maps each replica to the highest contiguous op sequence
// applied from it. It is the request payload of a sync handshake: the
// responder answers with every op above these marks.
type StateVector map[ReplicaID]uint64

// EncodeStateVector serializes a state vector.
func EncodeStateVector(sv StateVector) ([]byte, error) {
	return json.Marshal(sv)
}

// DecodeStateVector parses a state vector payload.
func DecodeStateVector(data []byte) (StateVector, error) {
	var sv StateVector
	if err := json.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	if sv == nil {
		sv = StateVector{}
	}
	return sv, nil
}

// replicaProgress tracks which sequence numbers have been applied from one
// replica. Ops may arrive out of order (registers merge commutatively, so
// they are applied immediately); the contiguous high-water mark only
// advances once the gap fills, keeping the state vector honest so missing
// ops are re-requested on the next sync exchange.
type replicaProgress struct {
	next    uint64              // next expected contiguous sequence
	pending map[uint64]struct{} // applied sequences above a gap
}

// mark records a sequence as applied. Returns false when it was already
// seen (duplicate delivery).
func (p *replicaProgress) mark(seq uint64) bool {
	if seq < p.next {
		return false
	}
	if _, ok := p.pending[seq]; ok {
		return false
	}
	if seq == p.next {
		p.next++
		for {
			if _, ok := p.pending[p.next]; !ok {
				break
			}
			delete(p.pending, p.next)
			p.next++
		}
		return true
	}
	if p.pending == nil {
		p.pending = make(map[uint64]struct{})
	}
	p.pending[seq] = struct{}{}
	return true
}
