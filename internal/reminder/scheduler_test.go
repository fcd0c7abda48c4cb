package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridge-voice-lab/internal/store"
)

type fakeStore struct {
	reminders []*store.Reminder
	markErr   map[int64]error
	marked    []int64
	dueErr    error
}

func (f *fakeStore) DueReminders(_ context.Context, now time.Time) ([]*store.Reminder, error) {
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	var due []*store.Reminder
	for _, r := range f.reminders {
		if !r.IsCompleted && !r.IsNotified && !r.ReminderTime.After(now) {
			due = append(due, r)
		}
	}
	return due, nil
}

func (f *fakeStore) MarkReminderNotified(_ context.Context, id int64) error {
	if err := f.markErr[id]; err != nil {
		return err
	}
	f.marked = append(f.marked, id)
	for _, r := range f.reminders {
		if r.ID == id {
			r.IsNotified = true
		}
	}
	return nil
}

func TestCheckDueDeliversOnce(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{reminders: []*store.Reminder{
		{ID: 1, UserID: 7, Title: "water plants", ReminderTime: now.Add(-time.Minute)},
		{ID: 2, UserID: 7, Title: "later", ReminderTime: now.Add(time.Hour)},
	}}

	var delivered []int64
	s := NewScheduler(fs, func(r *store.Reminder) { delivered = append(delivered, r.ID) }, time.Second)
	s.now = func() time.Time { return now }

	s.CheckDue(context.Background())
	require.Equal(t, []int64{1}, delivered)
	assert.Equal(t, []int64{1}, fs.marked)

	// A second sweep must not re-deliver: the reminder is already notified.
	s.CheckDue(context.Background())
	assert.Equal(t, []int64{1}, delivered)
}

func TestCheckDueMarksBeforeDelivery(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{reminders: []*store.Reminder{
		{ID: 1, UserID: 7, Title: "stretch", ReminderTime: now.Add(-time.Minute)},
	}}

	var notifiedAtDelivery bool
	s := NewScheduler(fs, func(r *store.Reminder) { notifiedAtDelivery = r.IsNotified }, time.Second)
	s.now = func() time.Time { return now }

	s.CheckDue(context.Background())
	assert.True(t, notifiedAtDelivery, "reminder must be marked notified before delivery runs")
}

func TestCheckDueIsolatesPerReminderErrors(t *testing.T) {
	now := time.Now()
	fs := &fakeStore{
		reminders: []*store.Reminder{
			{ID: 1, UserID: 7, Title: "a", ReminderTime: now.Add(-time.Minute)},
			{ID: 2, UserID: 8, Title: "b", ReminderTime: now.Add(-time.Minute)},
		},
		markErr: map[int64]error{1: errors.New("locked")},
	}

	var delivered []int64
	s := NewScheduler(fs, func(r *store.Reminder) { delivered = append(delivered, r.ID) }, time.Second)
	s.now = func() time.Time { return now }

	s.CheckDue(context.Background())
	// Reminder 1 failed to mark and is skipped; reminder 2 still flows.
	assert.Equal(t, []int64{2}, delivered)

	// Reminder 1 stays eligible and goes out once the store recovers.
	fs.markErr = nil
	s.CheckDue(context.Background())
	assert.Equal(t, []int64{2, 1}, delivered)
}

func TestCheckDueSurvivesQueryFailure(t *testing.T) {
	fs := &fakeStore{dueErr: errors.New("db gone")}
	s := NewScheduler(fs, func(r *store.Reminder) { t.Fatal("must not deliver") }, time.Second)
	s.CheckDue(context.Background())
}

func TestStartStop(t *testing.T) {
	fs := &fakeStore{}
	s := NewScheduler(fs, nil, time.Hour)
	require.NoError(t, s.Start())
	require.Error(t, s.Start(), "double start must fail")
	s.Stop()
	s.Stop() // idempotent
	require.NoError(t, s.Start())
	s.Stop()
}
