// Package outbox buffers user messages composed while disconnected and delivers them in
// enqueue order once connectivity returns.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
)

// DefaultRetryCeiling is the number of failed attempts after which an entry is marked failed.
const DefaultRetryCeiling = 5

// ErrNotFailed is returned when Retry or Dismiss targets an entry that has not failed.
var ErrNotFailed = errors.New("outbox entry has not failed")

// DeliverFunc attempts one delivery. A nil error confirms it.
type DeliverFunc func(ctx context.Context, entry Entry) error

// Report summarises one drain pass.
type Report struct {
	Delivered []Entry
	Exhausted []Entry
	Remaining int
}

// Outbox is the per-session queue. Drains never overlap.
type Outbox struct {
	sessionID string
	store     Store
	ceiling   int

	drainMu sync.Mutex
	now     func() time.Time
}

// New returns the outbox of sessionID backed by store.
func New(sessionID string, store Store, ceiling int) *Outbox {
	if ceiling <= 0 {
		ceiling = DefaultRetryCeiling
	}
	return &Outbox{sessionID: sessionID, store: store, ceiling: ceiling, now: time.Now}
}

// Ceiling returns the retry ceiling.
func (o *Outbox) Ceiling() int {
	return o.ceiling
}

// Enqueue adds msg as a pending entry. Enqueueing the same message again returns the
// existing entry instead of creating a second one.
func (o *Outbox) Enqueue(ctx context.Context, msg chat.Message) (Entry, error) {
	if strings.TrimSpace(msg.ID) == "" {
		return Entry{}, apperr.Validation("outbox payload needs a message id")
	}

	existing, ok, err := o.store.FindByMessage(ctx, o.sessionID, msg.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("lookup outbox entry: %w", err)
	}
	if ok {
		return existing, nil
	}

	now := o.now().UTC()
	entry := Entry{
		ID:         uuid.NewString(),
		SessionID:  o.sessionID,
		Payload:    msg,
		EnqueuedAt: now,
		Status:     StatusPending,
		UpdatedAt:  now,
	}
	if err := o.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("append outbox entry: %w", err)
	}
	log.Printf("[outbox] session=%s enqueued entry=%s message=%s", o.sessionID, entry.ID, msg.ID)
	return entry, nil
}

// Drain delivers pending entries one at a time in enqueue order. A delivered entry is
// removed. A failed attempt increments RetryCount; once it reaches the ceiling the entry
// turns failed and the pass moves on, otherwise the entry stays pending and the pass
// stops so later entries never overtake it. The returned error is the attempt that
// stopped or exhausted the pass.
func (o *Outbox) Drain(ctx context.Context, deliver DeliverFunc) (Report, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	var report Report
	entries, err := o.store.List(ctx, o.sessionID)
	if err != nil {
		return report, fmt.Errorf("list outbox: %w", err)
	}

	var errs []error
	for i, queued := range entries {
		if err := ctx.Err(); err != nil {
			report.Remaining = countPending(entries[i:])
			return report, err
		}

		// 重新读取，期间可能被忽略或手动重试。
		entry, err := o.store.Get(ctx, queued.ID)
		if errors.Is(err, ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("load outbox entry: %w", err)
		}
		if entry.Status != StatusPending {
			continue
		}

		deliverErr := deliver(ctx, entry)
		if deliverErr == nil {
			if err := o.store.Delete(ctx, entry.ID); err != nil {
				return report, fmt.Errorf("remove delivered entry: %w", err)
			}
			entry.Status = StatusSent
			entry.UpdatedAt = o.now().UTC()
			report.Delivered = append(report.Delivered, entry)
			log.Printf("[outbox] session=%s delivered entry=%s attempts=%d", o.sessionID, entry.ID, entry.RetryCount+1)
			continue
		}

		entry.RetryCount++
		entry.LastError = deliverErr.Error()
		entry.UpdatedAt = o.now().UTC()
		if entry.RetryCount >= o.ceiling {
			entry.Status = StatusFailed
		}
		if err := o.store.Update(ctx, entry); err != nil {
			return report, fmt.Errorf("update outbox entry: %w", err)
		}

		if entry.Status == StatusFailed {
			log.Printf("[outbox] session=%s entry=%s exhausted after %d attempts: %v", o.sessionID, entry.ID, entry.RetryCount, deliverErr)
			report.Exhausted = append(report.Exhausted, entry)
			errs = append(errs, fmt.Errorf("%w: entry %s after %d attempts: %w", apperr.ErrDeliveryExhausted, entry.ID, entry.RetryCount, deliverErr))
			continue
		}

		log.Printf("[outbox] session=%s entry=%s attempt %d/%d failed: %v", o.sessionID, entry.ID, entry.RetryCount, o.ceiling, deliverErr)
		report.Remaining = countPending(entries[i:])
		errs = append(errs, fmt.Errorf("deliver entry %s: %w", entry.ID, deliverErr))
		return report, errors.Join(errs...)
	}

	return report, errors.Join(errs...)
}

func countPending(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if e.Status == StatusPending {
			n++
		}
	}
	return n
}

// Retry moves a failed entry back to pending with a fresh retry budget.
func (o *Outbox) Retry(ctx context.Context, id string) (Entry, error) {
	entry, err := o.owned(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if entry.Status != StatusFailed {
		return Entry{}, ErrNotFailed
	}
	entry.Status = StatusPending
	entry.RetryCount = 0
	entry.LastError = ""
	entry.UpdatedAt = o.now().UTC()
	if err := o.store.Update(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("update outbox entry: %w", err)
	}
	return entry, nil
}

// Dismiss removes a failed entry. Pending entries cannot be dismissed.
func (o *Outbox) Dismiss(ctx context.Context, id string) (Entry, error) {
	entry, err := o.owned(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if entry.Status != StatusFailed {
		return Entry{}, ErrNotFailed
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return Entry{}, fmt.Errorf("remove outbox entry: %w", err)
	}
	log.Printf("[outbox] session=%s dismissed entry=%s", o.sessionID, id)
	return entry, nil
}

// Entries lists the session's entries in enqueue order.
func (o *Outbox) Entries(ctx context.Context) ([]Entry, error) {
	return o.store.List(ctx, o.sessionID)
}

// Pending reports how many entries still await delivery.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	entries, err := o.store.List(ctx, o.sessionID)
	if err != nil {
		return 0, err
	}
	return countPending(entries), nil
}

func (o *Outbox) owned(ctx context.Context, id string) (Entry, error) {
	entry, err := o.store.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	if entry.SessionID != o.sessionID {
		return Entry{}, ErrEntryNotFound
	}
	return entry, nil
}
