package goals

import "context"

// Snapshot is one delivery from a subscription: either the full goal list
// of the principal or a read error.
type Snapshot struct {
	Goals []Goal
	Err   error
}

// Collection is the remote, per-principal goal collection.
//
// Subscribe delivers the initial snapshot before it returns and a fresh
// full snapshot whenever the collection changes afterwards. Several
// changes may be coalesced into one delivery.
type Collection interface {
	Subscribe(ctx context.Context, principalID string, deliver func(Snapshot)) (Subscription, error)
	Create(ctx context.Context, principalID string, goal Goal) (string, error)
	Delete(ctx context.Context, principalID, goalID string) error
}

// Subscription is a standing listener on a collection. Cancel is
// idempotent and safe to call from inside a delivery.
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a plain func to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Cancel() { f() }
