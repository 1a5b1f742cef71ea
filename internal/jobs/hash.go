package jobs

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// VersionHash returns a stable hash of any JSON-serializable view of jobs or
// history. The facade compares it against If-None-Match to answer
// conditional GETs without re-serializing.
func VersionHash(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", hashBytes(b))
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
