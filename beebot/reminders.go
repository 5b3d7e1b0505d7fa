package beebot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

const (
	// reminderIDBytes is the byte length of the random reminder id token.
	// 4 bytes (8 hex chars) keeps ids short enough to retype in a
	// /remind delete command.
	reminderIDBytes = 4

	// reminderIDAttempts is how many times Create retries id generation
	// when the generated id already exists for the same owner.
	reminderIDAttempts = 5
)

var (
	ErrReminderPayloadEmpty   = errors.New("reminder message is empty")
	ErrReminderPayloadTooLong = errors.New("reminder message is too long")
	ErrReminderInPast         = errors.New("reminder time must be in the future")
	ErrReminderPastHorizon    = errors.New("reminder time is too far in the future")
)

// Reminder is the persisted record for a single scheduled notification.
// The store is the sole durable owner: the in-process timer armed for a
// Scheduled reminder is a cache of intent, not authoritative state.
type Reminder struct {
	ScopeID    string `json:"scope_id"`
	OwnerID    string `json:"owner_id"`
	ReminderID string `json:"reminder_id"`

	// FireAt is the absolute fire time, seconds since epoch
	FireAt int64 `json:"fire_at"`

	Payload   string `json:"payload"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

func (r Reminder) Key() string {
	return reminderKey(r.ScopeID, r.OwnerID, r.ReminderID)
}

func (r Reminder) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("scope_id", r.ScopeID),
		slog.String("owner_id", r.OwnerID),
		slog.String("reminder_id", r.ReminderID),
		slog.Int64("fire_at", r.FireAt),
	)
}

func reminderKey(scopeID, ownerID, reminderID string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefixReminder, scopeID, ownerID, reminderID)
}

func reminderOwnerPrefix(scopeID, ownerID string) string {
	return fmt.Sprintf("%s%s:%s:", keyPrefixReminder, scopeID, ownerID)
}

// PendingReminder is a Scheduled reminder as shown to its owner by List.
type PendingReminder struct {
	ReminderID       string `json:"reminder_id"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	Payload          string `json:"payload"`
}

// Notifier delivers a reminder payload to its owner. The production
// implementation sends a Discord direct message.
type Notifier interface {
	Deliver(ctx context.Context, ownerID string, text string) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, ownerID string, text string) error

func (f NotifierFunc) Deliver(ctx context.Context, ownerID string, text string) error {
	return f(ctx, ownerID, text)
}

// ReminderScheduler owns the reminder lifecycle: creation, durable
// persistence, in-memory arming, firing, cancellation and crash-recovery
// re-arming.
//
// Each armed reminder is an independent timer; many coexist without
// dedicated worker goroutines beyond the timer callbacks themselves.
// Persisted records with no armed timer ("orphans", as found immediately
// after a process restart) are repaired exactly once, by RecoverAll.
//
// Delivery is attempted at most once per timer firing, and the record is
// deleted whether or not delivery succeeds: a lost reminder is preferred
// over unbounded retry against an unreachable user.
type ReminderScheduler struct {
	store    KVStore
	notifier Notifier
	logger   *slog.Logger

	horizon    time.Duration
	maxPayload int

	// now is the clock; overridable in tests
	now func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer

	metricDelivered        atomic.Int64
	metricDeliveryFailures atomic.Int64
	metricRecovered        atomic.Int64
}

// NewReminderScheduler returns an unstarted scheduler. Call RecoverAll
// before serving user commands so orphaned records are re-armed.
func NewReminderScheduler(
	store KVStore,
	notifier Notifier,
	config *ReminderConfig,
	log *slog.Logger,
) *ReminderScheduler {
	if log == nil {
		log = slog.Default()
	}
	return &ReminderScheduler{
		store:      store,
		notifier:   notifier,
		logger:     log.With(loggerNameKey, "reminders"),
		horizon:    config.Horizon,
		maxPayload: config.MaxPayloadLength,
		now:        time.Now,
		timers:     map[string]*time.Timer{},
	}
}

// Create validates and persists a new reminder, then arms its timer.
// The record is persisted before the timer is armed: a crash between the
// two steps leaves a persisted-but-unarmed record, which RecoverAll
// repairs on the next start. The reverse ordering could fire a timer for
// a record that was never saved.
func (s *ReminderScheduler) Create(
	ctx context.Context,
	scopeID string,
	ownerID string,
	fireAt time.Time,
	payload string,
) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", ErrReminderPayloadEmpty
	}
	if len(payload) > s.maxPayload {
		return "", ErrReminderPayloadTooLong
	}

	now := s.now()
	delay := fireAt.Sub(now)
	if delay <= 0 {
		return "", ErrReminderInPast
	}
	if delay > s.horizon {
		return "", ErrReminderPastHorizon
	}

	reminderID, err := s.newReminderID(ctx, scopeID, ownerID)
	if err != nil {
		return "", err
	}

	rec := Reminder{
		ScopeID:    scopeID,
		OwnerID:    ownerID,
		ReminderID: reminderID,
		FireAt:     fireAt.Unix(),
		Payload:    payload,
		CreatedAt:  now.Unix(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("error marshaling reminder: %w", err)
	}
	if err = s.store.Set(ctx, rec.Key(), string(data)); err != nil {
		return "", fmt.Errorf("error persisting reminder: %w", err)
	}

	s.arm(rec, delay)
	s.logger.InfoContext(ctx, "created reminder", "reminder", rec, "delay", delay)
	return reminderID, nil
}

// newReminderID generates a short random id unique for (scope, owner).
// Collisions are statistically negligible, but creation still checks for
// an existing record and retries rather than silently overwriting one.
func (s *ReminderScheduler) newReminderID(
	ctx context.Context,
	scopeID string,
	ownerID string,
) (string, error) {
	for attempt := 0; attempt < reminderIDAttempts; attempt++ {
		id, err := generateRandomHexString(reminderIDBytes)
		if err != nil {
			return "", fmt.Errorf("error generating reminder id: %w", err)
		}
		_, exists, err := s.store.Get(ctx, reminderKey(scopeID, ownerID, id))
		if err != nil {
			return "", fmt.Errorf("error checking reminder id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", errors.New("unable to generate a unique reminder id")
}

// arm registers an in-process timer for the record. If a timer is already
// armed for the same key (a record created during an in-flight recovery
// scan), the existing timer is kept and no duplicate is added.
func (s *ReminderScheduler) arm(rec Reminder, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.Key()
	if _, armed := s.timers[key]; armed {
		return
	}
	s.timers[key] = time.AfterFunc(
		delay, func() {
			s.fire(rec)
		},
	)
}

// fire delivers the reminder and finalizes the record. The persisted
// record is deleted regardless of delivery outcome; delivery failures are
// logged and counted, never retried.
func (s *ReminderScheduler) fire(rec Reminder) {
	key := rec.Key()

	s.mu.Lock()
	delete(s.timers, key)
	s.mu.Unlock()

	ctx := context.Background()
	s.deliver(ctx, rec)

	if _, err := s.store.Delete(ctx, key); err != nil {
		s.logger.ErrorContext(
			ctx, "error deleting fired reminder", "reminder", rec, tint.Err(err),
		)
	}
}

func (s *ReminderScheduler) deliver(ctx context.Context, rec Reminder) {
	if err := s.notifier.Deliver(ctx, rec.OwnerID, rec.Payload); err != nil {
		s.metricDeliveryFailures.Add(1)
		s.logger.ErrorContext(
			ctx, "reminder delivery failed", "reminder", rec, tint.Err(err),
		)
		return
	}
	s.metricDelivered.Add(1)
	s.logger.InfoContext(ctx, "delivered reminder", "reminder", rec)
}

// List returns the owner's pending reminders, soonest first. Records whose
// fire time has already elapsed are awaiting either their timer or the
// next recovery pass, and are excluded rather than shown as actionable.
func (s *ReminderScheduler) List(
	ctx context.Context,
	scopeID string,
	ownerID string,
) ([]PendingReminder, error) {
	keys, err := s.store.Scan(ctx, reminderOwnerPrefix(scopeID, ownerID))
	if err != nil {
		return nil, fmt.Errorf("error scanning reminders: %w", err)
	}

	now := s.now().Unix()
	pending := make([]PendingReminder, 0, len(keys))
	for _, key := range keys {
		rec, ok := s.loadRecord(ctx, key)
		if !ok {
			continue
		}
		remaining := rec.FireAt - now
		if remaining <= 0 {
			continue
		}
		pending = append(
			pending, PendingReminder{
				ReminderID:       rec.ReminderID,
				RemainingSeconds: remaining,
				Payload:          rec.Payload,
			},
		)
	}
	sort.Slice(
		pending, func(i, j int) bool {
			return pending[i].RemainingSeconds < pending[j].RemainingSeconds
		},
	)
	return pending, nil
}

// Cancel deletes the reminder and disarms its timer, returning true if a
// record was found and removed. Disarming is best-effort: a cancel racing
// an in-flight firing may still let that single delivery through.
func (s *ReminderScheduler) Cancel(
	ctx context.Context,
	scopeID string,
	ownerID string,
	reminderID string,
) (bool, error) {
	key := reminderKey(scopeID, ownerID, reminderID)

	s.mu.Lock()
	if timer, armed := s.timers[key]; armed {
		timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()

	existed, err := s.store.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("error deleting reminder: %w", err)
	}
	return existed, nil
}

// RecoverAll scans every persisted reminder and re-arms a timer for each
// record still in the future. Records whose fire time elapsed while the
// process was down are treated as due now: delivered immediately and
// removed. A malformed record is skipped and logged without aborting
// recovery of the rest.
//
// Run this to completion at process start, before the scheduler is
// considered available.
func (s *ReminderScheduler) RecoverAll(ctx context.Context) error {
	keys, err := s.store.Scan(ctx, keyPrefixReminder)
	if err != nil {
		return fmt.Errorf("error scanning reminders for recovery: %w", err)
	}

	now := s.now()
	var recovered, overdue int
	for _, key := range keys {
		rec, ok := s.loadRecord(ctx, key)
		if !ok {
			continue
		}
		delay := time.Unix(rec.FireAt, 0).Sub(now)
		if delay <= 0 {
			overdue++
			s.deliver(ctx, rec)
			if _, delErr := s.store.Delete(ctx, key); delErr != nil {
				s.logger.ErrorContext(
					ctx, "error deleting overdue reminder", "reminder", rec, tint.Err(delErr),
				)
			}
			continue
		}
		recovered++
		s.arm(rec, delay)
	}
	s.metricRecovered.Add(int64(recovered))
	s.logger.InfoContext(
		ctx,
		"reminder recovery complete",
		"scanned", len(keys),
		"re_armed", recovered,
		"overdue_delivered", overdue,
	)
	return nil
}

// loadRecord fetches and decodes a single reminder record. Missing keys
// (deleted between scan and get) and malformed payloads return false.
func (s *ReminderScheduler) loadRecord(ctx context.Context, key string) (Reminder, bool) {
	value, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.ErrorContext(ctx, "error reading reminder", "key", key, tint.Err(err))
		return Reminder{}, false
	}
	if !ok {
		return Reminder{}, false
	}
	var rec Reminder
	if err = json.Unmarshal([]byte(value), &rec); err != nil {
		s.logger.ErrorContext(
			ctx, "skipping malformed reminder record", "key", key, tint.Err(err),
		)
		return Reminder{}, false
	}
	return rec, true
}

// ArmedCount returns the number of timers currently armed.
func (s *ReminderScheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Delivered returns the number of successful deliveries since start.
func (s *ReminderScheduler) Delivered() int64 {
	return s.metricDelivered.Load()
}

// DeliveryFailures returns the number of failed delivery attempts since start.
func (s *ReminderScheduler) DeliveryFailures() int64 {
	return s.metricDeliveryFailures.Load()
}

// Stop disarms every timer. Persisted records are untouched; the next
// process start recovers them.
func (s *ReminderScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, timer := range s.timers {
		timer.Stop()
		delete(s.timers, key)
	}
}
