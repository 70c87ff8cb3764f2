package session

import (
	"context"
	"encoding/json"
	"errors"

	"opsdeck/internal/domain"
	"opsdeck/internal/repo"
)

// DefaultKey is the fixed name under which the live-meeting record lives
// in the shared store.
const DefaultKey = "live_meeting"

// ErrNoMeeting means the shared store holds no active meeting record.
var ErrNoMeeting = errors.New("no active meeting")

// Store is the shared session record. Absence of the record means no
// active meeting. The interface exists so the polling strategy can later
// be swapped for a push-based subscription without touching callers.
type Store interface {
	Read(ctx context.Context) (domain.LiveMeeting, error)
	Write(ctx context.Context, m domain.LiveMeeting) error
	// WriteIfAbsent writes only when no record exists and reports whether
	// the write happened. Used as compare-and-swap for meeting start.
	WriteIfAbsent(ctx context.Context, m domain.LiveMeeting) (bool, error)
	Clear(ctx context.Context) error
}

// KVStore keeps the serialized record in the workspace kv table, shared
// by every process opening the same workspace database.
type KVStore struct {
	Repo repo.Repo
	Key  string
}

func NewKVStore(r repo.Repo, key string) KVStore {
	if key == "" {
		key = DefaultKey
	}
	return KVStore{Repo: r, Key: key}
}

func (s KVStore) Read(ctx context.Context) (domain.LiveMeeting, error) {
	raw, err := s.Repo.GetKV(ctx, s.Key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.LiveMeeting{}, ErrNoMeeting
		}
		return domain.LiveMeeting{}, err
	}
	m, live := decodeMeeting(raw)
	if !live {
		// Corrupt or inactive record reads as "no meeting" rather than
		// failing the poll.
		return domain.LiveMeeting{}, ErrNoMeeting
	}
	return m, nil
}

// decodeMeeting classifies a raw kv payload. Only a well-formed record
// with an id and the active flag counts as a live meeting.
func decodeMeeting(raw string) (domain.LiveMeeting, bool) {
	var m domain.LiveMeeting
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return domain.LiveMeeting{}, false
	}
	if m.ID == "" || !m.IsActive {
		return domain.LiveMeeting{}, false
	}
	return m, true
}

func (s KVStore) Write(ctx context.Context, m domain.LiveMeeting) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.Repo.SetKV(ctx, s.Key, string(raw))
}

// WriteIfAbsent publishes the record only while no live meeting occupies
// the key. A defunct occupant (corrupt JSON, missing id, inactive flag) is
// not a meeting: it is reclaimed with a compare-and-swap against its exact
// payload, so a genuine concurrent start still wins the key.
func (s KVStore) WriteIfAbsent(ctx context.Context, m domain.LiveMeeting) (bool, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return false, err
	}
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := s.Repo.SetKVIfAbsent(ctx, s.Key, string(raw))
		if err != nil || ok {
			return ok, err
		}
		occupant, err := s.Repo.GetKV(ctx, s.Key)
		if errors.Is(err, repo.ErrNotFound) {
			// Cleared between the insert and the read; try the insert again.
			continue
		}
		if err != nil {
			return false, err
		}
		if _, live := decodeMeeting(occupant); live {
			return false, nil
		}
		ok, err = s.Repo.CompareAndSwapKV(ctx, s.Key, occupant, string(raw))
		if err != nil || ok {
			return ok, err
		}
		// The occupant changed under us; re-evaluate what holds the key now.
	}
	return false, nil
}

func (s KVStore) Clear(ctx context.Context) error {
	return s.Repo.DeleteKV(ctx, s.Key)
}
