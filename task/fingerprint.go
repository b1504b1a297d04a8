package task

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint derives the cache key for a resolved task instance.
// Same task ID + byte-identical resolved inputs yields the same fingerprint;
// this is the contract resume-without-recompute rests on. Inputs are sorted
// so map iteration order cannot change the result.
func (r *Resolved) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(r.TaskID))
	h.Write([]byte{0})
	h.Write([]byte(r.Key))
	h.Write([]byte{0})
	h.Write([]byte(r.Command))
	h.Write([]byte{0})

	channels := make([]string, 0, len(r.Inputs))
	for ch := range r.Inputs {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	for _, ch := range channels {
		h.Write([]byte(ch))
		h.Write([]byte{'='})
		h.Write([]byte(strings.Join(r.Inputs[ch], ",")))
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}
