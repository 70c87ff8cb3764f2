package session

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"opsdeck/internal/domain"
	"opsdeck/internal/events"
	"opsdeck/internal/policy"
	"opsdeck/internal/repo"
)

// DefaultPollInterval matches the one-second cadence at which every
// context re-reads the shared meeting record.
const DefaultPollInterval = time.Second

var (
	// ErrMeetingActive means a start lost the race or a meeting already runs.
	ErrMeetingActive = errors.New("a meeting is already active")
	// ErrNotHost means someone other than the host tried to stop the meeting.
	ErrNotHost = errors.New("only the host can stop the meeting")
)

// Snapshot is the coordinator's last observed state of the shared record.
type Snapshot struct {
	Active  bool
	Meeting domain.LiveMeeting
}

// Coordinator mediates every context's view of the single live meeting.
// State lives in the shared store, never in the coordinator: the cached
// snapshot only exists so pollers can detect edges and notify listeners.
type Coordinator struct {
	Store    Store
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Interval time.Duration
	Now      func() time.Time
	Logger   *log.Logger
	// OnChange fires from the poll loop whenever the observed record
	// changes, including the transition to "no meeting".
	OnChange func(Snapshot)

	mu        sync.Mutex
	current   *domain.LiveMeeting
	done      chan struct{}
	closeOnce sync.Once
}

func NewCoordinator(db *sql.DB, key string, interval time.Duration) *Coordinator {
	r := repo.Repo{DB: db}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Coordinator{
		Store:    NewKVStore(r, key),
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Interval: interval,
		Now:      time.Now,
		done:     make(chan struct{}),
	}
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// Run polls the shared store until Close is called or the context ends.
// Poll errors are logged and treated as "no meeting"; the loop never stops
// on its own.
func (c *Coordinator) Run(ctx context.Context) {
	interval := c.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.Poll(ctx)
		select {
		case <-ticker.C:
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops Run. Safe to call more than once.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		if c.done != nil {
			close(c.done)
		}
	})
}

// Poll reads the shared record once, updates the cached snapshot and
// fires OnChange on any observed transition. Exposed so callers that do
// not run the loop can step it manually.
func (c *Coordinator) Poll(ctx context.Context) Snapshot {
	m, err := c.Store.Read(ctx)
	if err != nil && !errors.Is(err, ErrNoMeeting) {
		c.logf("session poll: %v", err)
	}
	active := err == nil

	c.mu.Lock()
	changed := meetingChanged(c.current, &m, active)
	if active {
		copied := m
		c.current = &copied
	} else {
		c.current = nil
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if changed && c.OnChange != nil {
		c.OnChange(snap)
	}
	return snap
}

// Snapshot returns the last polled state without touching the store.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	if c.current == nil {
		return Snapshot{}
	}
	return Snapshot{Active: true, Meeting: *c.current}
}

// Start publishes a new meeting record. The conditional write is what
// decides the winner when two hosts start at the same instant; the loser
// gets ErrMeetingActive and joins instead.
func (c *Coordinator) Start(ctx context.Context, host domain.User, topic string) (domain.LiveMeeting, error) {
	if !policy.CanHost(host) {
		return domain.LiveMeeting{}, policy.ClearanceError{Action: policy.ActionHostMeeting, Role: host.Role}
	}
	if topic == "" {
		return domain.LiveMeeting{}, errors.New("topic is required")
	}
	m := domain.LiveMeeting{
		ID:           uuid.New().String(),
		HostID:       host.ID,
		HostName:     host.Name,
		Topic:        topic,
		StartTime:    c.now().UTC().Format(time.RFC3339),
		IsActive:     true,
		Participants: []string{host.Name},
	}
	ok, err := c.Store.WriteIfAbsent(ctx, m)
	if err != nil {
		return domain.LiveMeeting{}, err
	}
	if !ok {
		return domain.LiveMeeting{}, ErrMeetingActive
	}
	c.appendEvent(ctx, "meeting.started", m.ID, host.ID, events.EventPayload{"topic": m.Topic})
	c.cache(&m)
	return m, nil
}

// Join adds the user to the participant list. Joining twice is a no-op.
func (c *Coordinator) Join(ctx context.Context, user domain.User) (domain.LiveMeeting, error) {
	m, err := c.Store.Read(ctx)
	if err != nil {
		return domain.LiveMeeting{}, err
	}
	for _, p := range m.Participants {
		if p == user.Name {
			c.cache(&m)
			return m, nil
		}
	}
	m.Participants = append(m.Participants, user.Name)
	if err := c.Store.Write(ctx, m); err != nil {
		return domain.LiveMeeting{}, err
	}
	c.appendEvent(ctx, "meeting.joined", m.ID, user.ID, events.EventPayload{"participant": user.Name})
	c.cache(&m)
	return m, nil
}

// Leave removes the user from the participant list. The host cannot
// leave their own meeting; they stop it.
func (c *Coordinator) Leave(ctx context.Context, user domain.User) (domain.LiveMeeting, error) {
	m, err := c.Store.Read(ctx)
	if err != nil {
		return domain.LiveMeeting{}, err
	}
	if m.HostID == user.ID {
		return m, errors.New("host cannot leave; stop the meeting instead")
	}
	kept := m.Participants[:0:0]
	removed := false
	for _, p := range m.Participants {
		if p == user.Name && !removed {
			removed = true
			continue
		}
		kept = append(kept, p)
	}
	if !removed {
		return m, nil
	}
	m.Participants = kept
	if err := c.Store.Write(ctx, m); err != nil {
		return domain.LiveMeeting{}, err
	}
	c.appendEvent(ctx, "meeting.left", m.ID, user.ID, events.EventPayload{"participant": user.Name})
	c.cache(&m)
	return m, nil
}

// Stop archives the meeting as a session and clears the shared record.
// Every other context sees the cleared record on its next poll and winds
// down on its own.
func (c *Coordinator) Stop(ctx context.Context, host domain.User, transcript []string) (domain.MeetingSession, error) {
	m, err := c.Store.Read(ctx)
	if err != nil {
		return domain.MeetingSession{}, err
	}
	if m.HostID != host.ID {
		return domain.MeetingSession{}, ErrNotHost
	}
	now := c.now().UTC()
	duration := int64(0)
	if started, err := time.Parse(time.RFC3339, m.StartTime); err == nil {
		if d := now.Sub(started); d > 0 {
			duration = int64(d.Seconds())
		}
	}
	s := domain.MeetingSession{
		ID:              uuid.New().String(),
		Date:            m.StartTime,
		DurationSeconds: duration,
		Transcript:      transcript,
		CreatedAt:       now.Format(time.RFC3339),
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MeetingSession{}, err
	}
	defer tx.Rollback()
	if err := c.Repo.InsertMeetingSession(ctx, tx, s); err != nil {
		return domain.MeetingSession{}, err
	}
	if err := c.Events.Append(ctx, tx, "meeting.stopped", "", "meeting", m.ID, host.ID, events.EventPayload{
		"topic":            m.Topic,
		"duration_seconds": duration,
		"participants":     len(m.Participants),
		"session_id":       s.ID,
	}); err != nil {
		return domain.MeetingSession{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MeetingSession{}, err
	}
	if err := c.Store.Clear(ctx); err != nil {
		return s, err
	}
	c.cache(nil)
	return s, nil
}

func (c *Coordinator) cache(m *domain.LiveMeeting) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m == nil {
		c.current = nil
		return
	}
	copied := *m
	c.current = &copied
}

// appendEvent journals meeting activity. The journal observes the
// protocol without being part of it: once a record is published, other
// contexts may already have seen it, so a failed append is logged rather
// than unwinding the operation.
func (c *Coordinator) appendEvent(ctx context.Context, evtType, meetingID, actorID string, payload events.EventPayload) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		c.logf("session journal: %v", err)
		return
	}
	defer tx.Rollback()
	if err := c.Events.Append(ctx, tx, evtType, "", "meeting", meetingID, actorID, payload); err != nil {
		c.logf("session journal: %v", err)
		return
	}
	if err := tx.Commit(); err != nil {
		c.logf("session journal: %v", err)
	}
}

func meetingChanged(prev, next *domain.LiveMeeting, nextActive bool) bool {
	prevActive := prev != nil
	if prevActive != nextActive {
		return true
	}
	if !nextActive {
		return false
	}
	if prev.ID != next.ID || prev.Topic != next.Topic {
		return true
	}
	if len(prev.Participants) != len(next.Participants) {
		return true
	}
	for i := range prev.Participants {
		if prev.Participants[i] != next.Participants[i] {
			return true
		}
	}
	return false
}
