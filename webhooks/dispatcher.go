package webhooks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

const defaultQueueDepth = 64

// Dispatcher delivers post-acceptance event callbacks off the admission
// path. Deliveries are best effort: failures are logged and swallowed and
// never affect the client-visible outcome.
type Dispatcher struct {
	client *Client
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	id  string
	evt *nostr.Event
}

// NewDispatcher spawns the delivery worker.
func NewDispatcher(client *Client, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := &Dispatcher{
		client: client,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan delivery, defaultQueueDepth),
	}
	dispatcher.wg.Add(1)
	go dispatcher.worker()
	return dispatcher
}

// Enqueue schedules a callback for an accepted event. A full queue drops
// the delivery rather than blocking the admission path.
func (d *Dispatcher) Enqueue(evt *nostr.Event) {
	item := delivery{id: uuid.NewString(), evt: evt}
	select {
	case d.queue <- item:
	default:
		d.log.Warn("event callback queue full; dropping delivery",
			slog.String("delivery_id", item.id),
			slog.String("event_id", evt.ID))
	}
}

// Close stops the worker and waits for the in-flight delivery to finish.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case item := <-d.queue:
			if err := d.client.Callback(d.ctx, item.evt); err != nil {
				d.log.Warn("event callback delivery failed",
					slog.String("delivery_id", item.id),
					slog.String("event_id", item.evt.ID),
					slog.String("error", err.Error()))
			}
		}
	}
}
