// Package webhooks delivers run events to subscribed URLs.
package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/chainflow/internal/handlers"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Chainflow-Event"
	HeaderDelivery  = "X-Chainflow-Delivery"
	HeaderSignature = "X-Chainflow-Signature"
	HeaderTimestamp = "X-Chainflow-Timestamp"
)

// EventAll subscribes to every event.
const EventAll = "*"

// Subscriptions is the part of the store the dispatcher reads and stamps.
// store.Store satisfies it.
type Subscriptions interface {
	ListSubscriptions(ctx context.Context, filter store.SubscriptionFilter) ([]*store.Subscription, error)
	RecordDelivery(ctx context.Context, id string, result store.DeliveryResult) error
}

// Config tunes delivery.
type Config struct {
	// Timeout bounds a single attempt (default 10s).
	Timeout time.Duration
	// Attempts per delivery, the first included (default 3).
	Attempts int
	// Backoff before the second attempt, doubled after each failure
	// (default 500ms).
	Backoff time.Duration
	// Workers caps concurrent deliveries (default 4).
	Workers    int
	HTTPClient *http.Client
	Now        func() time.Time
}

// Payload is the JSON body POSTed to a subscriber.
type Payload struct {
	ID             string             `json:"id"`
	Type           string             `json:"type"`
	SubscriptionID string             `json:"subscription_id"`
	CreatedAt      time.Time          `json:"created_at"`
	Data           streaming.RunEvent `json:"data"`
}

// Dispatcher fans hub events out to matching active subscriptions.
type Dispatcher struct {
	subs   Subscriptions
	hub    streaming.Hub
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	slots  chan struct{}
	wg     sync.WaitGroup
}

// New creates a Dispatcher.
func New(subs Subscriptions, hub streaming.Hub, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		subs:   subs,
		hub:    hub,
		cfg:    cfg,
		logger: logger.With("component", "webhooks"),
		tracer: otel.Tracer("github.com/rendis/chainflow/internal/webhooks"),
		slots:  make(chan struct{}, cfg.Workers),
	}
}

// Run subscribes to the hub and delivers events until ctx is done. It
// returns after in-flight deliveries finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	events, cancel, err := d.hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return fmt.Errorf("subscribe to run events: %w", err)
	}
	defer cancel()
	defer d.wg.Wait()

	d.logger.Info("webhook dispatcher started", slog.Int("workers", d.cfg.Workers))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.Dispatch(ctx, ev)
		}
	}
}

// Dispatch starts one delivery per active subscription matching ev and
// returns how many were started. Deliveries run in the background, at most
// Workers at a time.
func (d *Dispatcher) Dispatch(ctx context.Context, ev streaming.RunEvent) int {
	subs, err := d.subs.ListSubscriptions(ctx, store.SubscriptionFilter{ActiveOnly: true})
	if err != nil {
		d.logger.Error("failed to list subscriptions", slog.String("error", err.Error()))
		return 0
	}
	started := 0
	for _, sub := range subs {
		if !Matches(sub.EventTypes, ev) {
			continue
		}
		select {
		case d.slots <- struct{}{}:
		case <-ctx.Done():
			return started
		}
		started++
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() { <-d.slots }()
			d.Deliver(context.WithoutCancel(ctx), sub, ev)
		}()
	}
	return started
}

// Wait blocks until background deliveries finish.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Deliver POSTs ev to sub, retrying transport errors, 429 and 5xx answers,
// and stamps the outcome on the subscription.
func (d *Dispatcher) Deliver(ctx context.Context, sub *store.Subscription, ev streaming.RunEvent) store.DeliveryResult {
	ctx, span := d.tracer.Start(ctx, "webhook "+ev.Type, trace.WithAttributes(
		attribute.String("webhook.subscription_id", sub.ID),
		attribute.String("run.id", ev.RunID),
	))
	defer span.End()

	payload := Payload{
		ID:             uuid.NewString(),
		Type:           ev.Type,
		SubscriptionID: sub.ID,
		CreatedAt:      d.cfg.Now(),
		Data:           ev,
	}
	body, err := xjson.Marshal(payload)
	if err != nil {
		d.logger.Error("encode webhook payload", slog.String("error", err.Error()))
		return store.DeliveryResult{At: d.cfg.Now()}
	}

	var status int
	backoff := d.cfg.Backoff
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		status, err = d.post(ctx, sub, payload, body)
		if err == nil && !retryable(status) {
			break
		}
		if attempt == d.cfg.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			attempt = d.cfg.Attempts
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	result := store.DeliveryResult{At: d.cfg.Now(), Status: status}
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	if !result.Succeeded() {
		msg := fmt.Sprintf("status %d", status)
		if err != nil {
			msg = err.Error()
		}
		span.SetStatus(codes.Error, msg)
		d.logger.Warn("webhook delivery failed",
			slog.String("subscription_id", sub.ID),
			slog.String("event", ev.Type),
			slog.String("run_id", ev.RunID),
			slog.String("error", msg),
		)
	}
	if err := d.subs.RecordDelivery(ctx, sub.ID, result); err != nil {
		d.logger.Warn("record webhook delivery", slog.String("subscription_id", sub.ID), slog.String("error", err.Error()))
	}
	return result
}

func (d *Dispatcher) post(ctx context.Context, sub *store.Subscription, payload Payload, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.TargetURL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "chainflow-webhooks")
	req.Header.Set(HeaderEvent, payload.Type)
	req.Header.Set(HeaderDelivery, payload.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(payload.CreatedAt.Unix(), 10))
	if sub.SecretKey != "" {
		sig, err := handlers.SignHMAC("sha256", sub.SecretKey, body, "hex")
		if err != nil {
			return 0, err
		}
		req.Header.Set(HeaderSignature, "sha256="+sig)
	}

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func retryable(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// Matches reports whether any pattern selects ev. A pattern is "*", an
// event type such as "run.status", or a kind and status such as
// "run.failed" or "node.succeeded".
func Matches(patterns []string, ev streaming.RunEvent) bool {
	kind, _, _ := strings.Cut(ev.Type, ".")
	return slices.ContainsFunc(patterns, func(p string) bool {
		return p == EventAll || p == ev.Type || p == kind+"."+ev.Status
	})
}

// EventTypes lists every pattern a subscription may use.
func EventTypes() []string {
	out := []string{EventAll, streaming.EventRunStatus, streaming.EventNodeRecord}
	for _, st := range []schema.RunStatus{
		schema.RunStatusPending, schema.RunStatusRunning, schema.RunStatusWaiting,
		schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusStopped,
	} {
		out = append(out, "run."+string(st))
	}
	for _, st := range []schema.NodeStatus{
		schema.NodeStatusSucceeded, schema.NodeStatusFailed, schema.NodeStatusStopped, schema.NodeStatusWaiting,
	} {
		out = append(out, "node."+string(st))
	}
	return out
}

// Validate checks a subscription before it is stored.
func Validate(sub *store.Subscription) error {
	if strings.TrimSpace(sub.Name) == "" {
		return schema.NewError(schema.ErrCodeValidation, "webhook requires name")
	}
	if err := ValidateTarget(sub.TargetURL); err != nil {
		return err
	}
	return ValidateEventTypes(sub.EventTypes)
}

// ValidateTarget requires an absolute http or https URL.
func ValidateTarget(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "webhook target_url %q must be an absolute http(s) URL", raw)
	}
	return nil
}

// ValidateEventTypes requires at least one known pattern.
func ValidateEventTypes(types []string) error {
	if len(types) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "webhook requires at least one event type")
	}
	known := EventTypes()
	for _, t := range types {
		if !slices.Contains(known, t) {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown webhook event type %q", t).
				WithDetails(map[string]any{"allowed": known})
		}
	}
	return nil
}
