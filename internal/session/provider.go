package session

import (
	"sort"
	"sync"
)

// Session identifies the signed-in principal.
type Session struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Email  string `json:"email,omitempty" yaml:"email,omitempty"`
	Token  string `json:"-" yaml:"token,omitempty"`
}

// Provider holds the current session and tells listeners about sign-in and
// sign-out. The zero value is signed out and ready to use.
type Provider struct {
	mu        sync.Mutex
	current   *Session
	listeners map[int]func(*Session)
	next      int
}

func (p *Provider) SignIn(s Session) {
	p.mu.Lock()
	cp := s
	p.current = &cp
	fns := p.listenersLocked()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(p.Current())
	}
}

func (p *Provider) SignOut() {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return
	}
	p.current = nil
	fns := p.listenersLocked()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(nil)
	}
}

// Current returns a copy of the signed-in session, or nil.
func (p *Provider) Current() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	cp := *p.current
	return &cp
}

// Listen calls fn with the current session right away and then on every
// transition; fn gets nil on sign-out.
func (p *Provider) Listen(fn func(*Session)) (remove func()) {
	p.mu.Lock()
	if p.listeners == nil {
		p.listeners = make(map[int]func(*Session))
	}
	id := p.next
	p.next++
	p.listeners[id] = fn
	p.mu.Unlock()

	fn(p.Current())

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

func (p *Provider) listenersLocked() []func(*Session) {
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(*Session), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	return fns
}
