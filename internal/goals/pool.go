package goals

import (
	"context"
	"sync"
	"time"
)

// Pool shares one open Store per principal between concurrent users of
// the same session (HTTP requests, event streams). The store is closed
// when its last holder releases it (after Idle, if set) or when the
// session ends.
type Pool struct {
	coll Collection
	opts Options

	// Idle keeps an unheld store subscribed this long so back-to-back
	// requests reuse it. Zero closes it on the last release. Set before
	// first use.
	Idle time.Duration

	mu      sync.Mutex
	entries map[string]*poolEntry
	closed  bool

	// writes still running on stores that were already closed
	draining sync.WaitGroup
}

type poolEntry struct {
	store *Store
	refs  int
	idle  *time.Timer

	// bumped per idle period; a stale timer finds a different value
	idleGen uint64

	// closed once the opener's subscribe returned; err is its result
	ready chan struct{}
	err   error
}

func (e *poolEntry) opened() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

func NewPool(coll Collection, opts Options) *Pool {
	return &Pool{
		coll:    coll,
		opts:    opts,
		entries: make(map[string]*poolEntry),
	}
}

// Acquire returns the open store for principalID. The first caller for a
// principal subscribes; others wait for that subscribe only. ctx bounds
// the wait and the subscribe, but the store outlives it; call release when
// done with it.
func (p *Pool) Acquire(ctx context.Context, principalID string) (*Store, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrNotOpen
	}

	e, ok := p.entries[principalID]
	if ok && e.opened() && e.store.State() != StateSubscribed {
		delete(p.entries, principalID)
		ok = false
	}
	if ok && e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	opener := !ok
	if opener {
		e = &poolEntry{store: NewStore(p.coll, p.opts), ready: make(chan struct{})}
		p.entries[principalID] = e
	}
	e.refs++
	p.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { p.release(principalID, e) })
	}

	if opener {
		e.err = e.store.open(ctx, principalID, false)
		close(e.ready)
	} else {
		select {
		case <-e.ready:
		case <-ctx.Done():
			release()
			return nil, nil, ctx.Err()
		}
	}

	if e.err != nil {
		p.mu.Lock()
		if p.entries[principalID] == e {
			delete(p.entries, principalID)
		}
		p.mu.Unlock()
		return nil, nil, e.err
	}
	return e.store, release, nil
}

func (p *Pool) release(principalID string, e *poolEntry) {
	p.mu.Lock()
	e.refs--
	if e.refs > 0 {
		p.mu.Unlock()
		return
	}
	current := p.entries[principalID] == e
	if current && p.Idle > 0 && !p.closed && e.opened() && e.err == nil {
		e.idleGen++
		gen := e.idleGen
		e.idle = time.AfterFunc(p.Idle, func() { p.expire(principalID, e, gen) })
		p.mu.Unlock()
		return
	}
	if current {
		delete(p.entries, principalID)
	}
	p.mu.Unlock()

	p.retire(e.store)
}

func (p *Pool) expire(principalID string, e *poolEntry, gen uint64) {
	p.mu.Lock()
	if e.idle == nil || e.idleGen != gen || e.refs > 0 || p.entries[principalID] != e {
		p.mu.Unlock()
		return
	}
	delete(p.entries, principalID)
	e.idle = nil
	p.mu.Unlock()

	p.retire(e.store)
}

func (p *Pool) retire(s *Store) {
	s.Close()
	p.draining.Add(1)
	go func() {
		defer p.draining.Done()
		s.Wait()
	}()
}

// Evict ends principalID's session: its store is closed even if holders
// remain. Holders see an empty list and ErrNotOpen from then on.
func (p *Pool) Evict(principalID string) {
	p.mu.Lock()
	e, ok := p.entries[principalID]
	if ok {
		delete(p.entries, principalID)
		if e.idle != nil {
			e.idle.Stop()
			e.idle = nil
		}
	}
	p.mu.Unlock()

	if ok {
		p.retire(e.store)
	}
}

// Len is the number of principals with an open or opening store.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close closes every store and waits for their in-flight writes.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	for _, e := range entries {
		if e.idle != nil {
			e.idle.Stop()
			e.idle = nil
		}
	}
	p.mu.Unlock()

	for _, e := range entries {
		p.retire(e.store)
	}
	p.draining.Wait()
}
