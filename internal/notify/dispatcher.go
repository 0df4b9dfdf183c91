package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/metrics"
	"github.com/chis/portsmith/internal/storage"
)

// payload is the JSON body POSTed to webhook destinations.
type payload struct {
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Fields      []Field   `json:"fields,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Footer      string    `json:"footer"`
}

const payloadFooter = "portsmith"

// Dispatcher consumes bus events, claims each event's deduplication
// key in the database, and delivers claimed events to the user's
// webhook destinations. The durable claim makes delivery at-most-once
// across process restarts.
type Dispatcher struct {
	store      storage.Store
	bus        *Bus
	httpClient *http.Client
	retryWait  time.Duration
	log        zerolog.Logger
}

// deliveryAttempts bounds tries per destination, including the first.
const deliveryAttempts = 3

// NewDispatcher wires a dispatcher to the bus and store.
func NewDispatcher(store storage.Store, bus *Bus, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		bus:        bus,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryWait:  2 * time.Second,
		log:        log,
	}
}

// Run consumes events until ctx is cancelled. Call in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	ch, unsubscribe := d.bus.Subscribe("*")
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	claimed, err := d.store.MarkNotificationSent(ctx, ev.UserID, ev.DedupKey, ev.Type)
	if err != nil {
		d.log.Error().Err(err).Str("dedup_key", ev.DedupKey).Msg("notification dedup claim failed")
		return
	}
	if !claimed {
		return
	}

	hooks, err := d.store.ListWebhooks(ctx, ev.UserID)
	if err != nil {
		d.log.Error().Err(err).Int64("user_id", ev.UserID).Msg("listing webhooks failed")
		return
	}

	body, err := json.Marshal(payload{
		Type:        ev.Type,
		Title:       ev.Title,
		Description: ev.Description,
		Fields:      ev.Fields,
		Timestamp:   ev.Timestamp,
		Footer:      payloadFooter,
	})
	if err != nil {
		d.log.Error().Err(err).Msg("marshaling webhook payload failed")
		return
	}

	for _, h := range hooks {
		if !h.Enabled {
			continue
		}
		if err := d.deliver(ctx, h.URL, body); err != nil {
			metrics.WebhookDeliveries.WithLabelValues("error").Inc()
			d.log.Warn().Err(err).Str("webhook", h.Name).Str("type", ev.Type).Msg("webhook delivery failed")
			continue
		}
		metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
		d.log.Debug().Str("webhook", h.Name).Str("type", ev.Type).Msg("webhook delivered")
	}
}

// deliver POSTs the payload, retrying a transport error or non-2xx
// answer after a short wait. Deduplication already happened, so the
// worst case of a retry is a duplicate POST to one destination.
func (d *Dispatcher) deliver(ctx context.Context, url string, body []byte) error {
	var lastErr error
	for attempt := 0; attempt < deliveryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.retryWait):
			}
		}
		lastErr = d.deliverOnce(ctx, url, body)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (d *Dispatcher) deliverOnce(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook answered %s", resp.Status)
	}
	return nil
}
