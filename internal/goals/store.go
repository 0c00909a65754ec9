package goals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNotOpen is returned by Add and Delete when the store has no live
// subscription.
var ErrNotOpen = errors.New("goal store is not open")

type State int

const (
	StateUnopened State = iota
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Options struct {
	Logger *slog.Logger
	// Clock stamps CreatedAt on new goals. Defaults to time.Now.
	Clock func() time.Time
	// WriteTimeout bounds each remote create/delete. Defaults to 10s.
	WriteTimeout time.Duration
	// OpenTimeout bounds the remote subscribe in Open. Defaults to 10s.
	OpenTimeout time.Duration
	// ErrorBuffer is the capacity of the Errors channel. Defaults to 16.
	ErrorBuffer int
}

// Store is a live, ordered view of one principal's goals. The list is
// only ever replaced by snapshots from the subscription; Add and Delete
// write through to the collection and never touch it directly.
type Store struct {
	coll         Collection
	logger       *slog.Logger
	now          func() time.Time
	writeTimeout time.Duration
	openTimeout  time.Duration

	mu        sync.Mutex
	state     State
	principal string
	gen       uint64
	sub       Subscription
	stopCtx   func() bool
	goals     []Goal
	version   uint64
	published uint64
	observers map[int]func([]Goal)
	nextObs   int

	errs   chan error
	writes sync.WaitGroup
}

func NewStore(coll Collection, opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 10 * time.Second
	}
	if opts.ErrorBuffer <= 0 {
		opts.ErrorBuffer = 16
	}
	return &Store{
		coll:         coll,
		logger:       opts.Logger,
		now:          opts.Clock,
		writeTimeout: opts.WriteTimeout,
		openTimeout:  opts.OpenTimeout,
		observers:    make(map[int]func([]Goal)),
		errs:         make(chan error, opts.ErrorBuffer),
	}
}

// With opens a store for principalID, runs fn and closes the store on
// every exit path, panics included.
func With(ctx context.Context, coll Collection, principalID string, opts Options, fn func(*Store) error) error {
	s := NewStore(coll, opts)
	defer s.Close()
	if err := s.Open(ctx, principalID); err != nil {
		return err
	}
	return fn(s)
}

// Open subscribes to principalID's goals. An already open store drops its
// previous subscription first; the list is kept when the principal stays
// the same and cleared when it changes. The store closes itself when ctx
// is cancelled.
func (s *Store) Open(ctx context.Context, principalID string) error {
	return s.open(ctx, principalID, true)
}

// open subscribes with a deadline taken from ctx. When bind is false the
// store does not follow ctx and stays open until Close.
func (s *Store) open(ctx context.Context, principalID string, bind bool) error {
	s.mu.Lock()
	prevSub, prevStop := s.sub, s.stopCtx
	s.sub, s.stopCtx = nil, nil
	same := s.state == StateSubscribed && s.principal == principalID
	s.gen++
	gen := s.gen
	s.state = StateSubscribed
	s.principal = principalID
	var v uint64
	if !same {
		s.goals = nil
		v = s.bumpLocked()
	}
	s.mu.Unlock()

	release(prevSub, prevStop)
	if v != 0 {
		s.publish(v)
	}

	subCtx, cancel := context.WithTimeout(ctx, s.openTimeout)
	defer cancel()
	sub, err := s.coll.Subscribe(subCtx, principalID, func(snap Snapshot) {
		s.deliver(gen, snap)
	})
	if err != nil {
		s.mu.Lock()
		var cv uint64
		if s.gen == gen {
			kept := len(s.goals) > 0
			s.gen++
			s.state = StateClosed
			s.principal = ""
			s.goals = nil
			if kept {
				cv = s.bumpLocked()
			}
		}
		s.mu.Unlock()
		if cv != 0 {
			s.publish(cv)
		}
		return fmt.Errorf("subscribe to goals of %s: %w", principalID, err)
	}

	var stop func() bool
	if bind {
		stop = context.AfterFunc(ctx, func() { s.close(gen) })
	}

	s.mu.Lock()
	if s.gen != gen {
		// closed or reopened while subscribing
		s.mu.Unlock()
		release(sub, stop)
		return nil
	}
	s.sub, s.stopCtx = sub, stop
	s.mu.Unlock()

	s.logger.Debug("goal store opened", "principal", principalID)
	return nil
}

// Close cancels the subscription and discards the list. Safe to call any
// number of times.
func (s *Store) Close() {
	s.close(0)
}

// close shuts the store down if gen is 0 or still the current generation.
func (s *Store) close(gen uint64) {
	s.mu.Lock()
	if s.state != StateSubscribed || (gen != 0 && gen != s.gen) {
		s.mu.Unlock()
		return
	}
	sub, stop := s.sub, s.stopCtx
	principal := s.principal
	s.sub, s.stopCtx = nil, nil
	s.gen++
	s.state = StateClosed
	s.principal = ""
	s.goals = nil
	v := s.bumpLocked()
	s.mu.Unlock()

	release(sub, stop)
	s.publish(v)
	s.logger.Debug("goal store closed", "principal", principal)
}

func release(sub Subscription, stop func() bool) {
	if stop != nil {
		stop()
	}
	if sub != nil {
		sub.Cancel()
	}
}

// Add writes a new goal stamped with the current time. It returns before
// the write completes; the goal shows up once the subscription delivers
// it. Write failures go to the log and Errors, nothing is retried.
func (s *Store) Add(title string) error {
	s.mu.Lock()
	if s.state != StateSubscribed {
		s.mu.Unlock()
		return ErrNotOpen
	}
	principal := s.principal
	goal := Goal{Title: title, CreatedAt: s.now().UTC()}
	s.writes.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()

		id, err := s.coll.Create(ctx, principal, goal)
		if err != nil {
			s.logger.Error("add goal failed", "principal", principal, "error", err)
			s.report(fmt.Errorf("add goal: %w", err))
			return
		}
		s.logger.Debug("goal added", "principal", principal, "goal_id", id)
	}()
	return nil
}

// Delete removes goal from the collection. A goal without an ID was never
// stored, so nothing is sent and nil is returned.
func (s *Store) Delete(goal Goal) error {
	s.mu.Lock()
	if s.state != StateSubscribed {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if goal.ID == "" {
		s.mu.Unlock()
		return nil
	}
	principal := s.principal
	s.writes.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()

		if err := s.coll.Delete(ctx, principal, goal.ID); err != nil {
			s.logger.Error("delete goal failed", "principal", principal, "goal_id", goal.ID, "error", err)
			s.report(fmt.Errorf("delete goal %s: %w", goal.ID, err))
			return
		}
		s.logger.Debug("goal deleted", "principal", principal, "goal_id", goal.ID)
	}()
	return nil
}

// Wait blocks until every write started by Add or Delete has finished.
func (s *Store) Wait() {
	s.writes.Wait()
}

// Goals returns a copy of the current list.
func (s *Store) Goals() []Goal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneGoals(s.goals)
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Principal is the principal of the open subscription, or "".
func (s *Store) Principal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// Errors reports subscription and write failures. Errors are dropped when
// nobody drains the channel; they are always logged.
func (s *Store) Errors() <-chan error {
	return s.errs
}

// Observe registers fn for every new list, including the empty list left
// by Close or a principal switch. fn runs on the goroutine that produced
// the change and must not block for long.
func (s *Store) Observe(fn func([]Goal)) (cancel func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) deliver(gen uint64, snap Snapshot) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateSubscribed {
		s.mu.Unlock()
		return
	}
	if snap.Err != nil {
		principal := s.principal
		s.mu.Unlock()
		s.logger.Warn("goal subscription error", "principal", principal, "error", snap.Err)
		s.report(fmt.Errorf("goal subscription: %w", snap.Err))
		return
	}
	s.goals = deriveList(snap.Goals)
	v := s.bumpLocked()
	s.mu.Unlock()

	s.publish(v)
}

func (s *Store) bumpLocked() uint64 {
	s.version++
	return s.version
}

// publish hands version v of the list to observers unless a newer version
// exists or v was already handed out.
func (s *Store) publish(v uint64) {
	s.mu.Lock()
	if v != s.version || v <= s.published {
		s.mu.Unlock()
		return
	}
	s.published = v
	list := cloneGoals(s.goals)
	fns := make([]func([]Goal), 0, len(s.observers))
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(cloneGoals(list))
	}
}

func (s *Store) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// deriveList rebuilds the display list from a snapshot: one entry per ID
// (the later one wins), ordered by CreatedAt, then ID.
func deriveList(in []Goal) []Goal {
	out := make([]Goal, 0, len(in))
	index := make(map[string]int, len(in))
	for _, g := range in {
		if g.ID != "" {
			if i, ok := index[g.ID]; ok {
				out[i] = g
				continue
			}
			index[g.ID] = len(out)
		}
		out = append(out, g)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneGoals(in []Goal) []Goal {
	if in == nil {
		return []Goal{}
	}
	out := make([]Goal, len(in))
	copy(out, in)
	return out
}
