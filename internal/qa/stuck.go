package qa

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// DefaultStuckThreshold is how many identical consecutive failures count as stuck.
const DefaultStuckThreshold = 3

// Fingerprint hashes an iteration's error lines independent of their order.
// An empty set hashes to "".
func Fingerprint(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	sorted := append([]string(nil), errs...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:8])
}

// stuckDetector tracks repeated failure fingerprints for one task.
type stuckDetector struct {
	threshold int
	last      string
	repeats   int
}

func newStuckDetector(threshold int) *stuckDetector {
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	return &stuckDetector{threshold: threshold}
}

// observe records fp and returns the repeat count and whether it just hit
// the threshold. It fires once per streak.
func (d *stuckDetector) observe(fp string) (int, bool) {
	if fp == "" {
		d.last, d.repeats = "", 0
		return 0, false
	}
	if fp == d.last {
		d.repeats++
	} else {
		d.last, d.repeats = fp, 1
	}
	return d.repeats, d.repeats == d.threshold
}

// seed primes the detector from persisted history so a resumed loop keeps its streak.
func (d *stuckDetector) seed(history []IterationRecord) {
	for _, rec := range history {
		d.observe(rec.Fingerprint)
	}
}

// stuckHint is added to the next request once a task is stuck.
const stuckHint = "The last attempts failed with identical errors. Step back and try a different approach instead of repeating the previous fix."
