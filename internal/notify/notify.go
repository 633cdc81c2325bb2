package notify

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "entitlements:changed:"

// Notifier is the change-notification channel over one principal's
// entitlement row. Writers publish after every durable write; watchers
// subscribe to exactly one principal. Notifications carry no payload on
// purpose: a receiver always re-reads the authoritative store.
type Notifier struct {
	client *redis.Client
}

func New(url string) (*Notifier, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Notifier{client: redis.NewClient(opt)}, nil
}

func (n *Notifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

func (n *Notifier) PublishChange(ctx context.Context, userID string) error {
	return n.client.Publish(ctx, channelPrefix+userID, "1").Err()
}

// SubscribeChanges returns a signal channel for one principal plus a cancel
// function. Signals coalesce: a slow receiver sees at least one signal for
// any burst of publishes, which is enough since every signal triggers a full
// reload.
func (n *Notifier) SubscribeChanges(ctx context.Context, userID string) (<-chan struct{}, func()) {
	pubsub := n.client.Subscribe(ctx, channelPrefix+userID)
	signals := make(chan struct{}, 1)

	go func() {
		defer close(signals)
		for range pubsub.Channel() {
			select {
			case signals <- struct{}{}:
			default:
			}
		}
	}()

	return signals, func() { _ = pubsub.Close() }
}

func (n *Notifier) Close() error {
	return n.client.Close()
}
