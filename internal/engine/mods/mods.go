// Package mods holds the built-in terrain modifiers.
package mods

import (
	"github.com/Faultbox/quadsphere/internal/engine/buildbuf"
	"github.com/Faultbox/quadsphere/internal/engine/jobs"
)

// scheduleChunks splits buf into one job per worker, each starting after prev, and
// returns the combined handle.
func scheduleChunks(ex *jobs.Executor, buf *buildbuf.Buffer, prev *jobs.Handle, fn func(start, end int)) *jobs.Handle {
	workers := ex.Workers()
	size := (buf.Len() + workers - 1) / workers
	var handles []*jobs.Handle
	buf.Range(size, func(start, end int) {
		handles = append(handles, ex.Schedule(func() error {
			fn(start, end)
			return nil
		}, prev))
	})
	return jobs.Combine(handles...)
}
