package crdt

import (
	"fmt"
	"strconv"
)

// Position keys give edges a dense total order under one parent. A key is a
// sequence of (pos, replica) segments, encoded as a string of fixed-width
// chunks (eight hex digits of pos followed by the eight-byte replica ID)
// so that plain lexicographic string comparison equals segment-wise
// comparison. Between generates a key strictly between two neighbors;
// concurrent generation on different replicas at the same spot yields keys
// differing only in replica, which every replica orders identically.

const (
	posDigits  = 8
	segmentLen = posDigits + replicaIDLen
	maxPos     = uint64(1)<<32 - 1
)

// zeroReplica is the minimal replica ID, used as the left bound when a key
// has no segment at some level.
const zeroReplica = ReplicaID("00000000")

// segment is one level of a position key.
type segment struct {
	pos     uint64
	replica ReplicaID
}

// parsePosition splits an encoded key into segments. Malformed trailing
// bytes are ignored rather than failed: a truncated key from a buggy peer
// still sorts deterministically by its valid prefix.
func parsePosition(key string) []segment {
	var segs []segment
	for len(key) >= segmentLen {
		chunk := key[:segmentLen]
		key = key[segmentLen:]
		pos, err := strconv.ParseUint(chunk[:posDigits], 16, 64)
		if err != nil {
			break
		}
		segs = append(segs, segment{pos: pos, replica: ReplicaID(chunk[posDigits:])})
	}
	return segs
}

// encodePosition renders segments back into the canonical string form.
func encodePosition(segs []segment) string {
	out := make([]byte, 0, len(segs)*segmentLen)
	for _, s := range segs {
		out = append(out, fmt.Sprintf("%0*x", posDigits, s.pos)...)
		rep := string(s.replica)
		for len(rep) < replicaIDLen {
			rep += "0"
		}
		out = append(out, rep[:replicaIDLen]...)
	}
	return string(out)
}

// Between returns a position key strictly between left and right. An empty
// left means "before everything"; an empty right means "after everything".
// The caller must pass left < right.
func Between(left, right string, replica ReplicaID) string {
	ls := parsePosition(left)
	rs := parsePosition(right)

	var prefix []segment
	leftTight, rightTight := true, true
	for i := 0; ; i++ {
		lp := uint64(0)
		lrep := zeroReplica
		if leftTight && i < len(ls) {
			lp, lrep = ls[i].pos, ls[i].replica
		}
		rp := maxPos
		var rrep ReplicaID
		hasRight := rightTight && i < len(rs)
		if hasRight {
			rp, rrep = rs[i].pos, rs[i].replica
		}

		if rp > lp+1 {
			mid := lp + (rp-lp)/2
			prefix = append(prefix, segment{pos: mid, replica: replica})
			return encodePosition(prefix)
		}

		// No room at this level: adopt the left-bound segment and descend.
		adopted := segment{pos: lp, replica: lrep}
		prefix = append(prefix, adopted)
		if !(leftTight && i < len(ls)) {
			leftTight = false
		}
		// The right bound only constrains deeper levels while the adopted
		// segment still equals it exactly.
		if !hasRight || adopted.pos != rp || adopted.replica != rrep {
			rightTight = false
		}
	}
}

// Append returns a position key after right-most sibling key last. Pass an
// empty string for the first key in a list.
func Append(last string, replica ReplicaID) string {
	return Between(last, "", replica)
}
