package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"generation-queue/internal/registry"
	"generation-queue/internal/telemetry"
)

// ErrConnectionGone is the transport's signal that the target channel no
// longer exists. The dispatcher reacts by pruning the connection row instead
// of escalating.
var ErrConnectionGone = errors.New("connection gone")

// Transport delivers a payload to one connection.
type Transport interface {
	Send(ctx context.Context, connectionID string, payload any) error
}

// Dispatcher fans a status update out to every live subscription for a
// prompt id. Delivery is a side effect of state transitions, never a
// transactional part of them: failures are logged, not propagated.
type Dispatcher struct {
	registry  *registry.Registry
	transport Transport
	log       zerolog.Logger
}

func New(reg *registry.Registry, transport Transport, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:  reg,
		transport: transport,
		log:       log.With().Str("component", "broadcast").Logger(),
	}
}

// Broadcast delivers payload to each subscriber of promptID independently
// and concurrently. One dead recipient never blocks the others; connections
// the transport reports gone are removed from the registry.
func (d *Dispatcher) Broadcast(ctx context.Context, promptID string, payload any) {
	subs, err := d.registry.Subscriptions(ctx, promptID)
	if err != nil {
		d.log.Error().Err(err).Str("prompt_id", promptID).Msg("list subscriptions failed")
		return
	}
	if len(subs) == 0 {
		d.log.Debug().Str("prompt_id", promptID).Msg("no subscribers")
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub registry.Subscription) {
			defer wg.Done()
			d.deliver(ctx, promptID, sub.ConnectionID, payload)
		}(sub)
	}
	wg.Wait()
}

// Notify delivers a payload to a single connection, used for updates that
// predate an engine prompt id (the originating client's early status).
func (d *Dispatcher) Notify(ctx context.Context, connectionID string, payload any) {
	d.deliver(ctx, "", connectionID, payload)
}

func (d *Dispatcher) deliver(ctx context.Context, promptID, connectionID string, payload any) {
	err := d.transport.Send(ctx, connectionID, payload)
	if err == nil {
		return
	}
	if errors.Is(err, ErrConnectionGone) {
		d.log.Info().
			Str("prompt_id", promptID).
			Str("connection_id", connectionID).
			Msg("pruning gone connection")
		if err := d.registry.RemoveConnection(ctx, connectionID); err != nil {
			d.log.Warn().Err(err).Str("connection_id", connectionID).Msg("remove connection failed")
		}
		if promptID != "" {
			if err := d.registry.Unsubscribe(ctx, promptID, connectionID); err != nil {
				d.log.Warn().Err(err).Str("connection_id", connectionID).Msg("drop subscription failed")
			}
		}
		return
	}
	telemetry.BroadcastFailures.Inc()
	d.log.Warn().Err(err).
		Str("prompt_id", promptID).
		Str("connection_id", connectionID).
		Msg("delivery failed")
}
