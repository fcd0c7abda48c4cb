// Package reminder runs the periodic due-reminder sweep.
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bridge-voice-lab/internal/logging"
	"github.com/bridge-voice-lab/internal/store"
)

// ReminderStore is the slice of the store the scheduler needs.
type ReminderStore interface {
	DueReminders(ctx context.Context, now time.Time) ([]*store.Reminder, error)
	MarkReminderNotified(ctx context.Context, reminderID int64) error
}

// DeliverFunc pushes one due reminder toward its owner. Delivery is
// best-effort: the reminder is already marked notified when this runs, so a
// failed or offline delivery surfaces later as a missed reminder.
type DeliverFunc func(r *store.Reminder)

// Scheduler polls the store on a fixed interval and hands due reminders to
// the deliver callback. Each reminder is marked notified before delivery is
// attempted, which bounds every reminder to at most one live notification.
type Scheduler struct {
	store    ReminderStore
	deliver  DeliverFunc
	interval time.Duration

	cron *cron.Cron
	now  func() time.Time
}

func NewScheduler(st ReminderStore, deliver DeliverFunc, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		store:    st,
		deliver:  deliver,
		interval: interval,
		now:      time.Now,
	}
}

// Start begins the periodic sweep. It returns an error if the scheduler is
// already running.
func (s *Scheduler) Start() error {
	if s.cron != nil {
		return fmt.Errorf("reminder scheduler already started")
	}
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.CheckDue(context.Background()) }); err != nil {
		s.cron = nil
		return fmt.Errorf("schedule reminder sweep: %w", err)
	}
	s.cron.Start()
	logging.Infow("reminder: scheduler started", "interval", s.interval)
	return nil
}

// Stop halts the sweep and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	logging.Infow("reminder: scheduler stopped")
}

// CheckDue runs one sweep. A failure on one reminder never blocks the rest.
func (s *Scheduler) CheckDue(ctx context.Context) {
	due, err := s.store.DueReminders(ctx, s.now())
	if err != nil {
		logging.Errorw("reminder: due query failed", "err", err)
		return
	}
	for _, r := range due {
		// Mark first. If marking fails the reminder stays eligible for the
		// next sweep; if delivery fails it becomes a missed reminder.
		if err := s.store.MarkReminderNotified(ctx, r.ID); err != nil {
			logging.Errorw("reminder: mark notified failed", "reminder_id", r.ID, "err", err)
			continue
		}
		logging.Infow("reminder: due", "reminder_id", r.ID, "user_id", r.UserID, "title", r.Title)
		if s.deliver != nil {
			s.deliver(r)
		}
	}
}
