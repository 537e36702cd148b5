package alert

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/shaunagostinho/obdmon/internal/metrics"
	"github.com/shaunagostinho/obdmon/internal/model"
	"github.com/shaunagostinho/obdmon/internal/notify"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	RecentAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	SaveAlert(ctx context.Context, a *model.Alert) error
}

// Dispatcher evaluates readings, persists the surviving alerts and notifies
// the operator of WARNING and CRITICAL ones.
type Dispatcher struct {
	store    Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	onAlert  func(model.Alert)

	mu     sync.RWMutex
	policy Policy
}

// NewDispatcher creates a dispatcher. notifier and m may be nil.
func NewDispatcher(store Store, notifier notify.Notifier, policy Policy, m *metrics.Metrics) *Dispatcher {
	if policy.HistorySize <= 0 {
		policy.HistorySize = DefaultPolicy().HistorySize
	}
	return &Dispatcher{store: store, notifier: notifier, policy: policy, metrics: m}
}

// OnAlert registers a callback run for every persisted alert.
func (d *Dispatcher) OnAlert(fn func(model.Alert)) { d.onAlert = fn }

// Policy returns the active policy.
func (d *Dispatcher) Policy() Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policy
}

// SetPolicy replaces the policy for readings processed from now on.
func (d *Dispatcher) SetPolicy(p Policy) {
	if p.HistorySize <= 0 {
		p.HistorySize = DefaultPolicy().HistorySize
	}
	d.mu.Lock()
	d.policy = p
	d.mu.Unlock()
}

// Process evaluates r against recent history and emits what survives.
func (d *Dispatcher) Process(ctx context.Context, r model.Reading) ([]model.Alert, error) {
	p := d.Policy()
	candidates := Candidates(r, p)
	if len(candidates) == 0 {
		return nil, nil
	}
	history, err := d.store.RecentAlerts(ctx, p.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("alert: load history: %w", err)
	}
	alerts := Suppress(candidates, r.Timestamp, history, p)
	d.metrics.AlertSuppressed(len(candidates) - len(alerts))

	for i := range alerts {
		if err := d.emit(ctx, &alerts[i]); err != nil {
			return alerts[:i], err
		}
	}
	return alerts, nil
}

// Raise emits a single alert built outside the rule set, subject to the same
// duplicate window. It reports whether the alert was emitted.
func (d *Dispatcher) Raise(ctx context.Context, a model.Alert) (bool, error) {
	p := d.Policy()
	history, err := d.store.RecentAlerts(ctx, p.HistorySize)
	if err != nil {
		return false, fmt.Errorf("alert: load history: %w", err)
	}
	if len(Suppress([]model.Alert{a}, a.Timestamp, history, p)) == 0 {
		d.metrics.AlertSuppressed(1)
		return false, nil
	}
	return true, d.emit(ctx, &a)
}

func (d *Dispatcher) emit(ctx context.Context, a *model.Alert) error {
	if err := d.store.SaveAlert(ctx, a); err != nil {
		return fmt.Errorf("alert: persist %q: %w", a.Title, err)
	}
	d.metrics.AlertRaised(string(a.Severity))
	log.Printf("[alert] %s %s: %s", a.Severity, a.Title, a.Message)

	if a.Severity.Notifiable() && d.notifier != nil {
		d.notifier.Notify(notify.FromAlert(*a))
	}
	if d.onAlert != nil {
		d.onAlert(*a)
	}
	return nil
}
