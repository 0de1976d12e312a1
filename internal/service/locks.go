package service

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// taskLocks serializes commit and publish per task id, so subscribers get a
// task's changes in the order they were committed.
type taskLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *taskLocks) lock(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
