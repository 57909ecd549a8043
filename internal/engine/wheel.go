package engine

import (
	"sort"
	"time"
)

type task struct {
	id uint64
	at time.Time
	fn func()
}

// Wheel is the engine's single timer source: an ordered list of deadlines.
// It is owned by the event loop and is not safe for concurrent use.
type Wheel struct {
	seq   uint64
	tasks []task
}

// Schedule runs fn once the wheel is advanced past at. The returned id can
// be passed to Cancel.
func (w *Wheel) Schedule(at time.Time, fn func()) uint64 {
	w.seq++
	t := task{id: w.seq, at: at, fn: fn}
	i := sort.Search(len(w.tasks), func(i int) bool { return w.tasks[i].at.After(at) })
	w.tasks = append(w.tasks, task{})
	copy(w.tasks[i+1:], w.tasks[i:])
	w.tasks[i] = t
	return t.id
}

func (w *Wheel) Cancel(id uint64) bool {
	for i, t := range w.tasks {
		if t.id == id {
			w.tasks = append(w.tasks[:i], w.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Next reports the earliest pending deadline.
func (w *Wheel) Next() (time.Time, bool) {
	if len(w.tasks) == 0 {
		return time.Time{}, false
	}
	return w.tasks[0].at, true
}

func (w *Wheel) Len() int { return len(w.tasks) }

// RunDue runs every task due at now, in deadline order. Tasks scheduled by
// a running task are picked up in the same call when they are already due.
func (w *Wheel) RunDue(now time.Time) int {
	n := 0
	for len(w.tasks) > 0 && !w.tasks[0].at.After(now) {
		t := w.tasks[0]
		w.tasks = w.tasks[1:]
		t.fn()
		n++
	}
	return n
}
