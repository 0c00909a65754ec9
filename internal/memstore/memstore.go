// Package memstore is an in-process goals.Collection. Deliveries happen
// synchronously on the goroutine that made the change.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"wyd-backend/internal/goals"
)

type Collection struct {
	mu      sync.Mutex
	docs    map[string]map[string]goals.Goal
	subs    map[string]map[int]func(goals.Snapshot)
	nextSub int

	createErr error
	deleteErr error
	calls     int
}

func New() *Collection {
	return &Collection{
		docs: make(map[string]map[string]goals.Goal),
		subs: make(map[string]map[int]func(goals.Snapshot)),
	}
}

// FailWrites makes every following Create and Delete fail with err. A nil
// err restores normal behaviour.
func (c *Collection) FailWrites(err error) {
	c.mu.Lock()
	c.createErr, c.deleteErr = err, err
	c.mu.Unlock()
}

// Calls counts Create and Delete calls, failed ones included.
func (c *Collection) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Collection) Subscribe(_ context.Context, principalID string, deliver func(goals.Snapshot)) (goals.Subscription, error) {
	c.mu.Lock()
	if c.subs[principalID] == nil {
		c.subs[principalID] = make(map[int]func(goals.Snapshot))
	}
	id := c.nextSub
	c.nextSub++
	c.subs[principalID][id] = deliver
	snap := c.snapshotLocked(principalID)
	c.mu.Unlock()

	deliver(snap)

	var once sync.Once
	return goals.SubscriptionFunc(func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[principalID], id)
			c.mu.Unlock()
		})
	}), nil
}

func (c *Collection) Create(_ context.Context, principalID string, goal goals.Goal) (string, error) {
	c.mu.Lock()
	c.calls++
	if c.createErr != nil {
		err := c.createErr
		c.mu.Unlock()
		return "", err
	}
	goal.ID = uuid.NewString()
	c.putLocked(principalID, goal)
	c.mu.Unlock()

	c.notify(principalID)
	return goal.ID, nil
}

func (c *Collection) Delete(_ context.Context, principalID, goalID string) error {
	c.mu.Lock()
	c.calls++
	if c.deleteErr != nil {
		err := c.deleteErr
		c.mu.Unlock()
		return err
	}
	delete(c.docs[principalID], goalID)
	c.mu.Unlock()

	c.notify(principalID)
	return nil
}

// Put stores goal as is, as if another device had written it, and
// notifies subscribers.
func (c *Collection) Put(principalID string, goal goals.Goal) {
	c.mu.Lock()
	c.putLocked(principalID, goal)
	c.mu.Unlock()

	c.notify(principalID)
}

// Emit sends snap to principalID's subscribers without touching the data.
func (c *Collection) Emit(principalID string, snap goals.Snapshot) {
	for _, fn := range c.subscribers(principalID) {
		fn(snap)
	}
}

// Subscribers is the number of live subscriptions for principalID.
func (c *Collection) Subscribers(principalID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[principalID])
}

func (c *Collection) putLocked(principalID string, goal goals.Goal) {
	if c.docs[principalID] == nil {
		c.docs[principalID] = make(map[string]goals.Goal)
	}
	c.docs[principalID][goal.ID] = goal
}

func (c *Collection) notify(principalID string) {
	c.mu.Lock()
	snap := c.snapshotLocked(principalID)
	c.mu.Unlock()

	for _, fn := range c.subscribers(principalID) {
		fn(snap)
	}
}

func (c *Collection) subscribers(principalID string) []func(goals.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int, 0, len(c.subs[principalID]))
	for id := range c.subs[principalID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(goals.Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[principalID][id])
	}
	return fns
}

func (c *Collection) snapshotLocked(principalID string) goals.Snapshot {
	list := make([]goals.Goal, 0, len(c.docs[principalID]))
	for _, g := range c.docs[principalID] {
		list = append(list, g)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return goals.Snapshot{Goals: list}
}
