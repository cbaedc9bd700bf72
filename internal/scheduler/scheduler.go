// Package scheduler implements the single-alarm scheduler: one
// persistent alarm drives one-shot, delayed, and cron schedules, all stored
// in the storage façade so they survive hibernation.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/google/uuid"

	"github.com/basket/agentcore/internal/agentctx"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/store"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Kind distinguishes the three schedule flavors.
type Kind string

const (
	KindOneShot Kind = "one-shot"
	KindDelayed Kind = "delayed"
	KindCron    Kind = "cron"
)

// Schedule is one persisted row.
type Schedule struct {
	ID        string
	Callback  string
	Payload   json.RawMessage
	Kind      Kind
	Time      int64 // epoch seconds, next firing instant
	Delay     *int64
	CronExpr  *string
	CreatedAt int64
}

// Callback is a registered schedule-dispatchable method.
type Callback func(ctx context.Context, payload json.RawMessage, sched Schedule) error

// Scheduler owns the agent's single persistent alarm.
type Scheduler struct {
	db    *store.Store
	bus   *bus.Bus
	agent agentctx.Owner
	now   func() time.Time

	mu        sync.Mutex
	callbacks map[string]Callback
	alarm     *time.Timer
	destroyed bool

	onError func(err error)
}

// New creates a scheduler bound to db.
func New(db *store.Store, b *bus.Bus, agent agentctx.Owner) *Scheduler {
	return &Scheduler{
		db:        db,
		bus:       b,
		agent:     agent,
		now:       time.Now,
		callbacks: make(map[string]Callback),
	}
}

// Register names a method as a valid schedule dispatch target.
func (s *Scheduler) Register(name string, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[name] = cb
}

// OnError registers the error hook invoked when a dispatched callback fails.
func (s *Scheduler) OnError(fn func(err error)) {
	s.onError = fn
}

// When is one of the three accepted schedule specs.
type When struct {
	At       *time.Time // wall-clock instant -> one-shot
	DelaySec *int64     // seconds-delay -> delayed
	Cron     *string    // cron expression -> cron
}

// At constructs a one-shot When.
func At(t time.Time) When { return When{At: &t} }

// After constructs a delayed When.
func After(d time.Duration) When {
	secs := int64(d.Seconds())
	return When{DelaySec: &secs}
}

// Cron constructs a cron When.
func Cron(expr string) When { return When{Cron: &expr} }

// Schedule inserts a new row and reschedules the alarm to the minimum future
// time across all schedules.
func (s *Scheduler) Schedule(ctx context.Context, when When, callback string, payload json.RawMessage) (Schedule, error) {
	s.mu.Lock()
	_, known := s.callbacks[callback]
	s.mu.Unlock()
	if !known {
		return Schedule{}, fmt.Errorf("scheduler: unknown callback %q", callback)
	}

	now := s.now()
	sched := Schedule{
		ID:        uuid.NewString(),
		Callback:  callback,
		Payload:   payload,
		CreatedAt: now.Unix(),
	}

	switch {
	case when.At != nil:
		sched.Kind = KindOneShot
		sched.Time = when.At.Unix()
	case when.DelaySec != nil:
		sched.Kind = KindDelayed
		sched.Delay = when.DelaySec
		sched.Time = now.Unix() + *when.DelaySec
	case when.Cron != nil:
		next, err := NextRunTime(*when.Cron, now)
		if err != nil {
			return Schedule{}, fmt.Errorf("scheduler: invalid cron expression: %w", err)
		}
		sched.Kind = KindCron
		sched.CronExpr = when.Cron
		sched.Time = next.Unix()
	default:
		return Schedule{}, fmt.Errorf("scheduler: no time spec provided")
	}

	if _, err := s.db.Exec(ctx, `
		INSERT INTO cf_agents_schedules (id, callback, payload, kind, time, delay, cron_expr, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		sched.ID, sched.Callback, string(sched.Payload), string(sched.Kind), sched.Time,
		sched.Delay, sched.CronExpr, sched.CreatedAt); err != nil {
		return Schedule{}, fmt.Errorf("scheduler: insert: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicScheduleCreated, sched.ID)
	}
	if err := s.rescheduleAlarm(ctx); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// CancelSchedule deletes a row by id and reschedules the alarm. Returns
// false if no row matched.
func (s *Scheduler) CancelSchedule(ctx context.Context, id string) (bool, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM cf_agents_schedules WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicScheduleCancelled, id)
	}
	if err := s.rescheduleAlarm(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// GetSchedule returns a single row by id.
func (s *Scheduler) GetSchedule(ctx context.Context, id string) (Schedule, bool, error) {
	row := s.db.DB().QueryRowContext(ctx, `
		SELECT id, callback, payload, kind, time, delay, cron_expr, created_at
		FROM cf_agents_schedules WHERE id = ?`, id)
	return scanSchedule(row)
}

// Start begins the alarm loop: it consolidates the alarm to the earliest
// scheduled time and, on each firing, processes every due schedule in one pass
// before rescheduling.
func (s *Scheduler) Start(ctx context.Context) error {
	return s.rescheduleAlarm(ctx)
}

// Stop cancels the alarm without touching persisted rows: it sets a
// "being destroyed" flag so a racing fire() does not reschedule.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	if s.alarm != nil {
		s.alarm.Stop()
		s.alarm = nil
	}
}

// rescheduleAlarm queries the earliest time across all schedules and
// (re)arms the alarm timer for exactly that instant (at once if it is already
// past), or disarms it if none remain, consolidating every schedule onto one
// alarm.
func (s *Scheduler) rescheduleAlarm(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return nil
	}
	if s.alarm != nil {
		s.alarm.Stop()
		s.alarm = nil
	}

	var earliest sql.NullInt64
	row := s.db.DB().QueryRowContext(ctx, `SELECT MIN(time) FROM cf_agents_schedules`)
	if err := row.Scan(&earliest); err != nil {
		return fmt.Errorf("scheduler: query earliest: %w", err)
	}
	if !earliest.Valid {
		return nil
	}

	fireAt := time.Unix(earliest.Int64, 0)
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	s.alarm = time.AfterFunc(delay, func() {
		s.tick(context.Background())
	})
	return nil
}

// tick runs on alarm fire: select every due row, dispatch each under ambient
// context, advance cron rows, delete one-shot/delayed rows, then rearm.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	due, err := store.Query(ctx, s.db, scanScheduleFromRows, `
		SELECT id, callback, payload, kind, time, delay, cron_expr, created_at
		FROM cf_agents_schedules WHERE time <= ? ORDER BY time ASC, id ASC`, now.Unix())
	if err != nil {
		s.reportError(fmt.Errorf("scheduler: query due: %w", err))
		return
	}

	for _, sched := range due {
		s.mu.Lock()
		destroyed := s.destroyed
		cb, known := s.callbacks[sched.Callback]
		s.mu.Unlock()
		if destroyed {
			return
		}
		if !known {
			s.reportError(fmt.Errorf("scheduler: callback %q not registered", sched.Callback))
			continue
		}

		dispatchCtx := agentctx.With(ctx, agentctx.Fields{Agent: s.agent})
		if err := cb(dispatchCtx, sched.Payload, sched); err != nil {
			s.reportError(fmt.Errorf("scheduler: callback %q failed: %w", sched.Callback, err))
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicScheduleFired, bus.ScheduleFiredEvent{ScheduleID: sched.ID, Callback: sched.Callback})
		}

		if sched.Kind == KindCron {
			next, err := NextRunTime(*sched.CronExpr, now)
			if err != nil {
				s.reportError(fmt.Errorf("scheduler: recompute cron: %w", err))
				continue
			}
			if _, err := s.db.Exec(ctx, `UPDATE cf_agents_schedules SET time = ? WHERE id = ?`, next.Unix(), sched.ID); err != nil {
				s.reportError(fmt.Errorf("scheduler: update cron time: %w", err))
			}
		} else {
			if _, err := s.db.Exec(ctx, `DELETE FROM cf_agents_schedules WHERE id = ?`, sched.ID); err != nil {
				s.reportError(fmt.Errorf("scheduler: delete fired schedule: %w", err))
			}
		}
	}

	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return
	}
	if err := s.rescheduleAlarm(ctx); err != nil {
		s.reportError(err)
	}
}

func (s *Scheduler) reportError(err error) {
	if s.onError != nil {
		s.onError(err)
	} else {
		slog.Error("scheduler error", "error", err)
	}
}

// NextRunTime parses expr and returns the next firing instant after 'after'.
func NextRunTime(expr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

func scanSchedule(row *sql.Row) (Schedule, bool, error) {
	var sched Schedule
	var payload string
	var kind string
	err := row.Scan(&sched.ID, &sched.Callback, &payload, &kind, &sched.Time, &sched.Delay, &sched.CronExpr, &sched.CreatedAt)
	if err == sql.ErrNoRows {
		return Schedule{}, false, nil
	}
	if err != nil {
		return Schedule{}, false, err
	}
	sched.Payload = json.RawMessage(payload)
	sched.Kind = Kind(kind)
	return sched, true, nil
}

func scanScheduleFromRows(r *sql.Rows) (Schedule, error) {
	var sched Schedule
	var payload string
	var kind string
	if err := r.Scan(&sched.ID, &sched.Callback, &payload, &kind, &sched.Time, &sched.Delay, &sched.CronExpr, &sched.CreatedAt); err != nil {
		return Schedule{}, err
	}
	sched.Payload = json.RawMessage(payload)
	sched.Kind = Kind(kind)
	return sched, nil
}
