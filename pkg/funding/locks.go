package funding

import (
	"context"
	"sync"
)

// Locker serializes critical sections per project. The returned unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, projectID ProjectID) (func(), error)
}

// ProjectLocks is an in-process Locker keyed by project id.
type ProjectLocks struct {
	mutex   sync.Mutex
	entries map[string]*projectLock
}

type projectLock struct {
	slot       chan struct{}
	references int
}

// NewProjectLocks constructs an empty lock table.
func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{entries: make(map[string]*projectLock)}
}

// Lock blocks until the project's slot is free or ctx is done.
func (locks *ProjectLocks) Lock(ctx context.Context, projectID ProjectID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := projectID.String()
	locks.mutex.Lock()
	entry, ok := locks.entries[key]
	if !ok {
		entry = &projectLock{slot: make(chan struct{}, 1)}
		locks.entries[key] = entry
	}
	entry.references++
	locks.mutex.Unlock()

	select {
	case entry.slot <- struct{}{}:
	case <-ctx.Done():
		locks.dropReference(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.slot
			locks.dropReference(key, entry)
		})
	}, nil
}

// Len reports how many projects currently have waiters or holders.
func (locks *ProjectLocks) Len() int {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	return len(locks.entries)
}

func (locks *ProjectLocks) dropReference(key string, entry *projectLock) {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	entry.references--
	if entry.references == 0 {
		delete(locks.entries, key)
	}
}
