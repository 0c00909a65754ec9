package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"wyd-backend/internal/goals"
)

// Collection is a mock for goals.Collection. Subscribe records the deliver
// func so tests can push snapshots with Deliver.
type Collection struct {
	mock.Mock

	deliver func(goals.Snapshot)
}

func (m *Collection) Subscribe(ctx context.Context, principalID string, deliver func(goals.Snapshot)) (goals.Subscription, error) {
	args := m.Called(ctx, principalID, deliver)
	if err := args.Error(1); err != nil {
		return nil, err
	}
	m.deliver = deliver
	if sub, ok := args.Get(0).(goals.Subscription); ok {
		return sub, nil
	}
	return goals.SubscriptionFunc(func() {}), nil
}

func (m *Collection) Create(ctx context.Context, principalID string, goal goals.Goal) (string, error) {
	args := m.Called(ctx, principalID, goal)
	return args.String(0), args.Error(1)
}

func (m *Collection) Delete(ctx context.Context, principalID, goalID string) error {
	args := m.Called(ctx, principalID, goalID)
	return args.Error(0)
}

// Deliver pushes snap through the most recent subscription.
func (m *Collection) Deliver(snap goals.Snapshot) {
	if m.deliver != nil {
		m.deliver(snap)
	}
}

// Subscription is a mock for goals.Subscription.
type Subscription struct {
	mock.Mock
}

func (m *Subscription) Cancel() {
	m.Called()
}
