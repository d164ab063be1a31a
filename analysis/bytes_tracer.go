package analysis

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// decodeBytesTracerJSON parses the bytes tracer's per-chunk terminator map. JSON object keys
// are always strings, so instruction ids are re-parsed back to uint64 after unmarshaling.
func decodeBytesTracerJSON(payload []byte) (map[uint64]bytesTracerTerminator, error) {
	if len(payload) == 0 {
		return map[uint64]bytesTracerTerminator{}, nil
	}

	var raw map[string]bytesTracerTerminator
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Wrap(err, "decode bytes tracer output")
	}

	result := make(map[uint64]bytesTracerTerminator, len(raw))
	for key, term := range raw {
		instructionID, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		result[instructionID] = term
	}
	return result, nil
}

// mergeBytesTracerChunks extends a's InputOffsets sets with b's per matching instruction id,
// the merge step used between successive adaptive chunk runs of the bytes tracer.
func mergeBytesTracerChunks(a, b map[uint64]bytesTracerTerminator) map[uint64]bytesTracerTerminator {
	merged := make(map[uint64]bytesTracerTerminator, len(a)+len(b))
	for id, term := range a {
		merged[id] = term
	}
	for id, term := range b {
		existing, ok := merged[id]
		if !ok {
			merged[id] = term
			continue
		}
		existing.InputOffsets = append(existing.InputOffsets, term.InputOffsets...)
		merged[id] = existing
	}
	return merged
}
