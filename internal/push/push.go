// Package push fans stored records out to matching subscriptions and audits
// every delivery attempt.
package push

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/metrics"
	"github.com/JakeFAU/catalog-relay/internal/subscription"
)

// Config controls delivery pacing.
type Config struct {
	// SendPause separates consecutive sends to stay under chat rate limits.
	SendPause time.Duration
}

// Report summarizes one Distribute call.
type Report struct {
	RecordID int64  `json:"record_id"`
	Code     string `json:"code"`
	Matched  int    `json:"matched"`
	Skipped  int    `json:"skipped"`
	Sent     int    `json:"sent"`
	Failed   int    `json:"failed"`
}

// Summary aggregates a sweep over undelivered records.
type Summary struct {
	Records int `json:"records"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// Dispatcher delivers records to subscribed destinations.
type Dispatcher struct {
	cfg       Config
	records   crawler.RecordStore
	subs      crawler.SubscriptionStore
	audit     crawler.AuditStore
	deliverer crawler.Deliverer
	clock     crawler.Clock
	ids       crawler.IDGenerator
	logger    *zap.Logger
	locks     *keyedMutex
}

// New constructs a Dispatcher.
func New(
	cfg Config,
	records crawler.RecordStore,
	subs crawler.SubscriptionStore,
	audit crawler.AuditStore,
	deliverer crawler.Deliverer,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		records:   records,
		subs:      subs,
		audit:     audit,
		deliverer: deliverer,
		clock:     clock,
		ids:       ids,
		logger:    logger.Named("push"),
		locks:     newKeyedMutex(),
	}
}

// Distribute sends rec to every matching destination without a prior
// successful delivery, then marks rec delivered. Zero matches still mark it.
func (d *Dispatcher) Distribute(ctx context.Context, rec crawler.Record) (Report, error) {
	report := Report{RecordID: rec.ID, Code: rec.Code}
	if rec.ID == 0 {
		return report, errors.New("distribute: record has no id")
	}
	unlock := d.locks.Lock(rec.ID)
	defer unlock()

	subs, err := d.subs.ListEnabled(ctx)
	if err != nil {
		return report, fmt.Errorf("list subscriptions: %w", err)
	}
	destinations := matchingDestinations(subs, rec)
	report.Matched = len(destinations)

	pending := destinations
	if len(destinations) > 0 {
		done, err := d.audit.SuccessfulDestinations(ctx, rec.ID, destinations)
		if err != nil {
			return report, fmt.Errorf("load prior deliveries: %w", err)
		}
		pending = pending[:0:0]
		for _, dest := range destinations {
			if _, ok := done[dest]; ok {
				report.Skipped++
				continue
			}
			pending = append(pending, dest)
		}
	}

	for i, dest := range pending {
		if i > 0 {
			if err := d.clock.Sleep(ctx, d.cfg.SendPause); err != nil {
				return report, err
			}
		}
		if d.attempt(ctx, dest, rec) {
			report.Sent++
		} else {
			report.Failed++
		}
	}

	if err := d.records.MarkDelivered(context.WithoutCancel(ctx), rec.ID); err != nil {
		return report, fmt.Errorf("mark delivered %s: %w", rec.Code, err)
	}
	d.logger.Info("record distributed",
		zap.String("code", rec.Code),
		zap.Int("matched", report.Matched),
		zap.Int("skipped", report.Skipped),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// DistributeUndelivered sweeps all undelivered records oldest first. A failing
// record is logged and the sweep moves on; cancellation stops it.
func (d *Dispatcher) DistributeUndelivered(ctx context.Context) (Summary, error) {
	var sum Summary
	pending, err := d.records.ListUndelivered(ctx)
	if err != nil {
		return sum, fmt.Errorf("list undelivered: %w", err)
	}
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		report, err := d.Distribute(ctx, rec)
		sum.Sent += report.Sent
		sum.Failed += report.Failed
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			d.logger.Warn("distribute record", zap.String("code", rec.Code), zap.Error(err))
			continue
		}
		sum.Records++
	}
	return sum, nil
}

// SendTo delivers rec to a single destination. It reports false without
// sending when that destination already has a successful delivery.
func (d *Dispatcher) SendTo(ctx context.Context, destination string, rec crawler.Record) (bool, error) {
	if destination == "" {
		return false, errors.New("send: empty destination")
	}
	if rec.ID == 0 {
		return false, errors.New("send: record has no id")
	}
	unlock := d.locks.Lock(rec.ID)
	defer unlock()

	done, err := d.audit.HasSuccessfulDelivery(ctx, rec.ID, destination)
	if err != nil {
		return false, fmt.Errorf("check prior delivery: %w", err)
	}
	if done {
		return false, nil
	}
	if !d.attempt(ctx, destination, rec) {
		return false, fmt.Errorf("send %s to %s failed", rec.Code, destination)
	}
	return true, nil
}

// attempt sends once and writes the audit entry. An audit write failure is
// logged; the send outcome is still reported.
func (d *Dispatcher) attempt(ctx context.Context, destination string, rec crawler.Record) bool {
	sendErr := d.deliverer.Send(ctx, destination, rec)

	entry := crawler.DeliveryEntry{
		RecordID:    rec.ID,
		RecordCode:  rec.Code,
		Destination: destination,
		Outcome:     crawler.DeliverySuccess,
		AttemptedAt: d.clock.Now(),
	}
	if id, err := d.ids.NewID(); err == nil {
		entry.ID = id
	} else {
		d.logger.Warn("generate audit id", zap.Error(err))
	}
	if sendErr != nil {
		entry.Outcome = crawler.DeliveryFailed
		entry.FailureReason = sendErr.Error()
		d.logger.Warn("delivery failed",
			zap.String("code", rec.Code),
			zap.String("destination", destination),
			zap.Error(sendErr),
		)
	}
	if err := d.audit.InsertDelivery(context.WithoutCancel(ctx), entry); err != nil {
		d.logger.Error("write audit entry",
			zap.String("code", rec.Code),
			zap.String("destination", destination),
			zap.Error(err),
		)
	}
	metrics.ObserveDelivery(string(entry.Outcome))
	return sendErr == nil
}

func matchingDestinations(subs []crawler.Subscription, rec crawler.Record) []string {
	seen := make(map[string]struct{})
	for _, sub := range subs {
		if !sub.Enabled || !subscription.Matches(sub, rec) {
			continue
		}
		seen[sub.Destination] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for dest := range seen {
		out = append(out, dest)
	}
	sort.Strings(out)
	return out
}

// keyedMutex serializes work per record ID and drops idle entries.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*refMutex)}
}

func (k *keyedMutex) Lock(id int64) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
