// Copyright 2016 Aleksandr Demakin. All rights reserved.

package coordinator

import (
	"time"
)

const logTimeFormat = "2006-01-02 15:04:05.000"

// logRing keeps the most recent activity entries of a mechanism.
// The oldest entry is evicted, when the ring is full.
type logRing struct {
	entries []string
	start   int
	size    int
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &logRing{entries: make([]string, capacity)}
}

func (r *logRing) add(now time.Time, activity string) {
	entry := "[" + now.Format(logTimeFormat) + "] " + activity
	idx := (r.start + r.size) % len(r.entries)
	r.entries[idx] = entry
	if r.size < len(r.entries) {
		r.size++
	} else {
		r.start = (r.start + 1) % len(r.entries)
	}
}

// last returns up to count most recent entries, oldest first.
// A non-positive count means all entries.
func (r *logRing) last(count int) []string {
	if count <= 0 || count > r.size {
		count = r.size
	}
	result := make([]string, 0, count)
	for i := r.size - count; i < r.size; i++ {
		result = append(result, r.entries[(r.start+i)%len(r.entries)])
	}
	return result
}

func (r *logRing) len() int {
	return r.size
}

func (r *logRing) reset() {
	for i := range r.entries {
		r.entries[i] = ""
	}
	r.start, r.size = 0, 0
}
