package session_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"opsdeck/internal/db"
	"opsdeck/internal/domain"
	"opsdeck/internal/migrate"
	"opsdeck/internal/policy"
	"opsdeck/internal/repo"
	"opsdeck/internal/session"
)

func newSessionDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func newCoordinator(t *testing.T, conn *sql.DB) *session.Coordinator {
	t.Helper()
	c := session.NewCoordinator(conn, session.DefaultKey, time.Second)
	c.Now = func() time.Time { return time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC) }
	return c
}

var (
	host = domain.User{ID: "u-host", Name: "Sarah Lead", Role: domain.RoleManager}
	dev  = domain.User{ID: "u-dev", Name: "Mike Developer", Role: domain.RoleEmployee}
)

func TestStartJoinStopFlow(t *testing.T) {
	ctx := context.Background()
	conn := newSessionDB(t)
	c := newCoordinator(t, conn)

	m, err := c.Start(ctx, host, "Sprint Review")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.Topic != "Sprint Review" || m.HostID != host.ID || !m.IsActive {
		t.Fatalf("unexpected meeting: %+v", m)
	}
	if len(m.Participants) != 1 || m.Participants[0] != host.Name {
		t.Fatalf("host should be sole participant: %v", m.Participants)
	}

	m, err = c.Join(ctx, dev)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(m.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %v", m.Participants)
	}

	s, err := c.Stop(ctx, host, []string{"covered backlog", "agreed on cutover"})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.Date != m.StartTime {
		t.Fatalf("session date should be meeting start, got %s", s.Date)
	}
	if len(s.Transcript) != 2 {
		t.Fatalf("transcript not archived: %v", s.Transcript)
	}
	if _, err := c.Store.Read(ctx); !errors.Is(err, session.ErrNoMeeting) {
		t.Fatalf("record should be cleared after stop, got %v", err)
	}

	archived, err := repo.Repo{DB: conn}.ListMeetingSessions(ctx, 0)
	if err != nil || len(archived) != 1 {
		t.Fatalf("expected one archived session, got %d (%v)", len(archived), err)
	}
}

func TestStartRequiresTopic(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, newSessionDB(t))
	if _, err := c.Start(ctx, host, ""); err == nil {
		t.Fatalf("empty topic should be rejected")
	}
	if _, err := c.Store.Read(ctx); !errors.Is(err, session.ErrNoMeeting) {
		t.Fatalf("rejected start must not write a record")
	}
}

func TestEmployeeCannotHost(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, newSessionDB(t))
	_, err := c.Start(ctx, dev, "Shadow Meeting")
	var ce policy.ClearanceError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ClearanceError, got %v", err)
	}
}

func TestSecondStartLosesRace(t *testing.T) {
	ctx := context.Background()
	conn := newSessionDB(t)
	a := newCoordinator(t, conn)
	b := newCoordinator(t, conn)

	if _, err := a.Start(ctx, host, "Standup"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	second := domain.User{ID: "u-host2", Name: "Tom Admin", Role: domain.RoleAdmin}
	if _, err := b.Start(ctx, second, "Retro"); !errors.Is(err, session.ErrMeetingActive) {
		t.Fatalf("second start should lose, got %v", err)
	}
	m, err := a.Store.Read(ctx)
	if err != nil || m.Topic != "Standup" {
		t.Fatalf("winner's record should survive: %+v %v", m, err)
	}
}

func TestJoinIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, newSessionDB(t))
	if _, err := c.Start(ctx, host, "Standup"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Join(ctx, dev); err != nil {
		t.Fatalf("join: %v", err)
	}
	m, err := c.Join(ctx, dev)
	if err != nil {
		t.Fatalf("second join: %v", err)
	}
	if len(m.Participants) != 2 {
		t.Fatalf("duplicate join must not add a participant: %v", m.Participants)
	}
}

func TestLeave(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, newSessionDB(t))
	if _, err := c.Start(ctx, host, "Standup"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Join(ctx, dev); err != nil {
		t.Fatalf("join: %v", err)
	}
	m, err := c.Leave(ctx, dev)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if len(m.Participants) != 1 {
		t.Fatalf("participant not removed: %v", m.Participants)
	}
	if _, err := c.Leave(ctx, host); err == nil {
		t.Fatalf("host leave should be rejected")
	}
}

func TestStopRequiresHost(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t, newSessionDB(t))
	if _, err := c.Start(ctx, host, "Standup"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Join(ctx, dev); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := c.Stop(ctx, dev, nil); !errors.Is(err, session.ErrNotHost) {
		t.Fatalf("non-host stop should fail, got %v", err)
	}
	if _, err := c.Store.Read(ctx); err != nil {
		t.Fatalf("meeting should still be active: %v", err)
	}
}

// Two coordinators over the same workspace database stand in for two
// browser contexts. The second one only ever polls; it must observe the
// start and the stop without being told.
func TestStopPropagatesAcrossContexts(t *testing.T) {
	ctx := context.Background()
	conn := newSessionDB(t)
	hosting := newCoordinator(t, conn)
	watching := newCoordinator(t, conn)

	var transitions []bool
	watching.OnChange = func(s session.Snapshot) { transitions = append(transitions, s.Active) }

	if snap := watching.Poll(ctx); snap.Active {
		t.Fatalf("no meeting expected before start")
	}
	if _, err := hosting.Start(ctx, host, "Sprint Review"); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := watching.Poll(ctx)
	if !snap.Active || snap.Meeting.Topic != "Sprint Review" {
		t.Fatalf("watcher should observe the meeting: %+v", snap)
	}
	if _, err := hosting.Stop(ctx, host, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if snap := watching.Poll(ctx); snap.Active {
		t.Fatalf("watcher should observe the stop")
	}
	want := []bool{true, false}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("expected transitions %v, got %v", want, transitions)
		}
	}
}

// A corrupt shared record must read as "no meeting", never as an error
// surfaced to the user, and must not hold the key against the next start.
func TestCorruptRecordReadsAsNoMeeting(t *testing.T) {
	ctx := context.Background()
	conn := newSessionDB(t)
	c := newCoordinator(t, conn)

	r := repo.Repo{DB: conn}
	if err := r.SetKV(ctx, session.DefaultKey, "{not json"); err != nil {
		t.Fatalf("seed corrupt record: %v", err)
	}
	if _, err := c.Store.Read(ctx); !errors.Is(err, session.ErrNoMeeting) {
		t.Fatalf("corrupt record should read as no meeting, got %v", err)
	}
	if snap := c.Poll(ctx); snap.Active {
		t.Fatalf("poll should report inactive on corrupt record")
	}
	// Starting over the junk reclaims the key without manual cleanup.
	if _, err := c.Start(ctx, host, "Recovery"); err != nil {
		t.Fatalf("start over corrupt record: %v", err)
	}
	m, err := c.Store.Read(ctx)
	if err != nil || m.Topic != "Recovery" {
		t.Fatalf("reclaimed record should be live: %+v %v", m, err)
	}
}

// A record left behind with the active flag down is just as defunct as
// corrupt JSON: a new host must be able to start over it.
func TestStartReclaimsInactiveRecord(t *testing.T) {
	ctx := context.Background()
	conn := newSessionDB(t)
	c := newCoordinator(t, conn)

	r := repo.Repo{DB: conn}
	stale := `{"id":"m-stale","host_id":"u-gone","host_name":"Old Host","topic":"Finished","is_active":false,"participants":[]}`
	if err := r.SetKV(ctx, session.DefaultKey, stale); err != nil {
		t.Fatalf("seed stale record: %v", err)
	}
	m, err := c.Start(ctx, host, "Fresh Start")
	if err != nil {
		t.Fatalf("start over stale record: %v", err)
	}
	if m.Topic != "Fresh Start" || m.HostID != host.ID {
		t.Fatalf("unexpected meeting: %+v", m)
	}
	stored, err := c.Store.Read(ctx)
	if err != nil || stored.ID != m.ID {
		t.Fatalf("stale record should have been replaced: %+v %v", stored, err)
	}
}

// The journal observes the protocol; losing it must not block meetings.
func TestStartSurvivesJournalFailure(t *testing.T) {
	ctx := context.Background()
	conn := newSessionDB(t)
	c := newCoordinator(t, conn)

	if _, err := conn.ExecContext(ctx, `DROP TABLE events`); err != nil {
		t.Fatalf("drop events: %v", err)
	}
	m, err := c.Start(ctx, host, "Standup")
	if err != nil {
		t.Fatalf("start without journal: %v", err)
	}
	stored, err := c.Store.Read(ctx)
	if err != nil || stored.ID != m.ID {
		t.Fatalf("record should be published despite journal failure: %+v %v", stored, err)
	}
	if _, err := c.Join(ctx, dev); err != nil {
		t.Fatalf("join without journal: %v", err)
	}
}

func TestSnapshotTracksPolledState(t *testing.T) {
	ctx := context.Background()
	conn := newSessionDB(t)
	c := newCoordinator(t, conn)

	if snap := c.Snapshot(); snap.Active {
		t.Fatalf("fresh coordinator should be inactive")
	}
	if _, err := c.Start(ctx, host, "Standup"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if snap := c.Snapshot(); !snap.Active {
		t.Fatalf("start should prime the snapshot")
	}
	// Another context joining shows up after the next poll.
	other := newCoordinator(t, conn)
	if _, err := other.Join(ctx, dev); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.Poll(ctx)
	if snap := c.Snapshot(); len(snap.Meeting.Participants) != 2 {
		t.Fatalf("poll should pick up the joiner: %+v", snap.Meeting.Participants)
	}
}
