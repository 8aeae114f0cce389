package download

import "sync"

// ownerIndex maps each owner to the record it is attached to. Records keep
// it current while holding their own lock, so it is the innermost lock.
type ownerIndex[T any] struct {
	mu     sync.Mutex
	owners map[*Owner]*Record[T]
}

func newOwnerIndex[T any]() *ownerIndex[T] {
	return &ownerIndex[T]{owners: make(map[*Owner]*Record[T])}
}

func (ix *ownerIndex[T]) put(o *Owner, r *Record[T]) {
	if ix == nil || o == nil {
		return
	}
	ix.mu.Lock()
	ix.owners[o] = r
	ix.mu.Unlock()
}

// drop forgets o only while it still points at r, so a record settling late
// leaves the owner's newer attachment alone.
func (ix *ownerIndex[T]) drop(o *Owner, r *Record[T]) {
	if ix == nil || o == nil {
		return
	}
	ix.mu.Lock()
	if ix.owners[o] == r {
		delete(ix.owners, o)
	}
	ix.mu.Unlock()
}

func (ix *ownerIndex[T]) get(o *Owner) *Record[T] {
	if ix == nil || o == nil {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.owners[o]
}

func (ix *ownerIndex[T]) len() int {
	if ix == nil {
		return 0
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.owners)
}
