package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrMalformedStateVector is returned when a state vector cannot be decoded.
	ErrMalformedStateVector = errors.New("malformed state vector")

	errNoChange = errors.New("no change")
)

// maxHeads bounds how many heads a peer may advertise in one state vector.
const maxHeads = 1 << 16

// EncodeStateVector writes a count followed by each length-prefixed head hash.
func EncodeStateVector(heads []string) []byte {
	out := binary.AppendUvarint(nil, uint64(len(heads)))
	for _, h := range heads {
		out = binary.AppendUvarint(out, uint64(len(h)))
		out = append(out, h...)
	}
	return out
}

func DecodeStateVector(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	n, read := binary.Uvarint(raw)
	if read <= 0 || n > maxHeads {
		return nil, ErrMalformedStateVector
	}
	raw = raw[read:]
	heads := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		l, read := binary.Uvarint(raw)
		if read <= 0 || uint64(len(raw)-read) < l {
			return nil, fmt.Errorf("%w: head %d truncated", ErrMalformedStateVector, i)
		}
		raw = raw[read:]
		heads = append(heads, string(raw[:l]))
		raw = raw[l:]
	}
	return heads, nil
}
