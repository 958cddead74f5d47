// internal/store/memory.go
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/models"
	"github.com/parlor-games/parlor/internal/registry"
	"github.com/parlor-games/parlor/internal/roomerr"
)

// MemoryStore is a full in-process Store with a synthetic change feed. It
// backs tests and the no-database dev mode; the semantics (ownership checks,
// soft deletes, event shapes) match the Postgres store.
type MemoryStore struct {
	mu      sync.Mutex
	rooms   map[uuid.UUID]*models.Room
	players map[uuid.UUID]*models.Player
	subs    map[uuid.UUID]map[*memorySub]struct{} // roomID -> subscribers
	log     *logrus.Logger
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(log *logrus.Logger) *MemoryStore {
	if log == nil {
		log = logrus.New()
	}
	return &MemoryStore{
		rooms:   make(map[uuid.UUID]*models.Room),
		players: make(map[uuid.UUID]*models.Player),
		subs:    make(map[uuid.UUID]map[*memorySub]struct{}),
		log:     log,
	}
}

type memorySub struct {
	store  *MemoryStore
	roomID uuid.UUID
	events chan ChangeEvent
	errs   chan error
	once   sync.Once
}

func (s *memorySub) Events() <-chan ChangeEvent { return s.events }
func (s *memorySub) Err() <-chan error          { return s.errs }

func (s *memorySub) Close() {
	s.once.Do(func() {
		s.store.mu.Lock()
		if set, ok := s.store.subs[s.roomID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.store.subs, s.roomID)
			}
		}
		s.store.mu.Unlock()
		close(s.events)
	})
}

// Subscribe opens a feed scoped to roomID. The feed never fails on its own;
// it ends only via Close.
func (m *MemoryStore) Subscribe(ctx context.Context, roomID uuid.UUID) (Subscription, error) {
	sub := &memorySub{
		store:  m,
		roomID: roomID,
		events: make(chan ChangeEvent, 64),
		errs:   make(chan error, 1),
	}
	m.mu.Lock()
	set, ok := m.subs[roomID]
	if !ok {
		set = make(map[*memorySub]struct{})
		m.subs[roomID] = set
	}
	set[sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

// publish fans an event out to the room's subscribers. Assumes lock is held.
// Full subscriber buffers drop the event; polling covers the gap.
func (m *MemoryStore) publish(ev ChangeEvent) {
	for sub := range m.subs[ev.RoomID] {
		select {
		case sub.events <- ev:
		default:
			m.log.Warnf("memory store: subscriber buffer full for room %s, dropped %s/%s", ev.RoomID, ev.Table, ev.Type)
		}
	}
}

func cloneRoom(r *models.Room) *models.Room {
	cp := *r
	if r.WantChangeGame != nil {
		cp.WantChangeGame = append([]uuid.UUID(nil), r.WantChangeGame...)
	}
	if r.Extra != nil {
		cp.Extra = append([]byte(nil), r.Extra...)
	}
	if r.GameState != nil {
		cp.GameState = append([]byte(nil), r.GameState...)
	}
	return &cp
}

func clonePlayer(p *models.Player) *models.Player {
	cp := *p
	return &cp
}

// InsertRoomWithHost writes both rows or neither; a live room already holding
// the code yields ErrCodeConflict.
func (m *MemoryStore) InsertRoomWithHost(ctx context.Context, room *models.Room, host *models.Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rooms {
		if !r.IsDeleted && r.Code == room.Code {
			return ErrCodeConflict
		}
	}

	now := time.Now()
	rc := cloneRoom(room)
	rc.CreatedAt = now
	rc.UpdatedAt = now
	hc := clonePlayer(host)
	hc.JoinedAt = now
	hc.UpdatedAt = now

	m.rooms[rc.ID] = rc
	m.players[hc.ID] = hc
	room.CreatedAt, room.UpdatedAt = now, now
	host.JoinedAt, host.UpdatedAt = now, now

	m.publish(ChangeEvent{Table: "rooms", Type: EventInsert, RoomID: rc.ID, Room: cloneRoom(rc)})
	m.publish(ChangeEvent{Table: "players", Type: EventInsert, RoomID: rc.ID, Player: clonePlayer(hc)})
	return nil
}

// RoomByCode finds the live room holding code.
func (m *MemoryStore) RoomByCode(ctx context.Context, code string) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if !r.IsDeleted && r.Code == code {
			return cloneRoom(r), nil
		}
	}
	return nil, roomerr.New(roomerr.CodeRoomNotFound, "no room with code %s", code)
}

// RoomByID returns the room even when soft-deleted, so clients can observe
// the terminal state.
func (m *MemoryStore) RoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, roomerr.New(roomerr.CodeRoomNotFound, "no room %s", id)
	}
	return cloneRoom(r), nil
}

// PlayerByID returns one player row.
func (m *MemoryStore) PlayerByID(ctx context.Context, id uuid.UUID) (*models.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[id]
	if !ok {
		return nil, roomerr.New(roomerr.CodeRoomNotFound, "no player %s", id)
	}
	return clonePlayer(p), nil
}

// PlayersByRoom returns the roster ordered by join time.
func (m *MemoryStore) PlayersByRoom(ctx context.Context, roomID uuid.UUID) ([]*models.Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Player
	for _, p := range m.players {
		if p.RoomID == roomID {
			out = append(out, clonePlayer(p))
		}
	}
	sortPlayers(out)
	return out, nil
}

func sortPlayers(ps []*models.Player) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && earlier(ps[j], ps[j-1]); j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}

func earlier(a, b *models.Player) bool {
	if a.JoinedAt.Equal(b.JoinedAt) {
		return a.ID.String() < b.ID.String()
	}
	return a.JoinedAt.Before(b.JoinedAt)
}

// InsertPlayer appends a player row; joins are independent inserts.
func (m *MemoryStore) InsertPlayer(ctx context.Context, p *models.Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	pc := clonePlayer(p)
	pc.JoinedAt = now
	pc.UpdatedAt = now
	m.players[pc.ID] = pc
	p.JoinedAt, p.UpdatedAt = now, now
	m.publish(ChangeEvent{Table: "players", Type: EventInsert, RoomID: pc.RoomID, Player: clonePlayer(pc)})
	return nil
}

// SavePlayer persists p for its owner only.
func (m *MemoryStore) SavePlayer(ctx context.Context, actor uuid.UUID, p *models.Player) error {
	if actor != p.ID {
		return ErrNotOwner
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.players[p.ID]; !ok {
		return roomerr.New(roomerr.CodeRoomNotFound, "no player %s", p.ID)
	}
	pc := clonePlayer(p)
	pc.UpdatedAt = time.Now()
	m.players[pc.ID] = pc
	p.UpdatedAt = pc.UpdatedAt
	m.publish(ChangeEvent{Table: "players", Type: EventUpdate, RoomID: pc.RoomID, Player: clonePlayer(pc)})
	return nil
}

// SaveRoom persists room for the host only.
func (m *MemoryStore) SaveRoom(ctx context.Context, actor uuid.UUID, room *models.Room) error {
	if actor != room.HostID {
		return roomerr.New(roomerr.CodeNotHost, "player %s is not the host of room %s", actor, room.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.ID]; !ok {
		return roomerr.New(roomerr.CodeRoomNotFound, "no room %s", room.ID)
	}
	rc := cloneRoom(room)
	rc.UpdatedAt = time.Now()
	m.rooms[rc.ID] = rc
	room.UpdatedAt = rc.UpdatedAt
	m.publish(ChangeEvent{Table: "rooms", Type: EventUpdate, RoomID: rc.ID, Room: cloneRoom(rc)})
	return nil
}

// AddChangeVote records actor's own vote on the room; it is the one room
// write a non-host may perform.
func (m *MemoryStore) AddChangeVote(ctx context.Context, actor uuid.UUID, roomID uuid.UUID) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok || r.IsDeleted {
		return nil, roomerr.New(roomerr.CodeRoomNotFound, "no room %s", roomID)
	}
	if !r.HasChangeVote(actor) {
		r.WantChangeGame = append(r.WantChangeGame, actor)
		r.UpdatedAt = time.Now()
		m.publish(ChangeEvent{Table: "rooms", Type: EventUpdate, RoomID: r.ID, Room: cloneRoom(r)})
	}
	return cloneRoom(r), nil
}

// DeletePlayer hard-deletes the caller's own row.
func (m *MemoryStore) DeletePlayer(ctx context.Context, actor uuid.UUID, playerID uuid.UUID) error {
	if actor != playerID {
		return ErrNotOwner
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[playerID]
	if !ok {
		return nil // already gone; leave is idempotent
	}
	delete(m.players, playerID)
	m.publish(ChangeEvent{Table: "players", Type: EventDelete, RoomID: p.RoomID, PlayerID: playerID})
	return nil
}

// SoftDeleteRoom marks the room deleted; subscribers observe the terminal
// update and self-evict.
func (m *MemoryStore) SoftDeleteRoom(ctx context.Context, actor uuid.UUID, roomID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return roomerr.New(roomerr.CodeRoomNotFound, "no room %s", roomID)
	}
	if actor != r.HostID {
		return roomerr.New(roomerr.CodeNotHost, "player %s is not the host of room %s", actor, roomID)
	}
	if r.IsDeleted {
		return nil
	}
	r.IsDeleted = true
	r.UpdatedAt = time.Now()
	m.publish(ChangeEvent{Table: "rooms", Type: EventUpdate, RoomID: r.ID, Room: cloneRoom(r)})
	return nil
}

// ResetRoster clears ready flags and sets alive flags for the whole roster.
func (m *MemoryStore) ResetRoster(ctx context.Context, roomID uuid.UUID, alive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, p := range m.players {
		if p.RoomID != roomID {
			continue
		}
		if p.IsReady || p.IsAlive != alive {
			p.IsReady = false
			p.IsAlive = alive
			p.UpdatedAt = now
			m.publish(ChangeEvent{Table: "players", Type: EventUpdate, RoomID: roomID, Player: clonePlayer(p)})
		}
	}
	return nil
}

// ApplyGameResult persists a reducer result: next state, status, eliminations
// and score deltas. These writes are authored by the game module.
func (m *MemoryStore) ApplyGameResult(ctx context.Context, roomID uuid.UUID, res registry.Result, status models.RoomStatus) (*models.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok || r.IsDeleted {
		return nil, roomerr.New(roomerr.CodeRoomNotFound, "no room %s", roomID)
	}
	now := time.Now()
	if res.State != nil {
		r.GameState = append([]byte(nil), res.State...)
	}
	r.Status = status
	r.UpdatedAt = now
	m.publish(ChangeEvent{Table: "rooms", Type: EventUpdate, RoomID: r.ID, Room: cloneRoom(r)})

	eliminated := make(map[uuid.UUID]bool, len(res.Eliminated))
	for _, id := range res.Eliminated {
		eliminated[id] = true
	}
	for _, p := range m.players {
		if p.RoomID != roomID {
			continue
		}
		changed := false
		if eliminated[p.ID] && p.IsAlive {
			p.IsAlive = false
			changed = true
		}
		if d, ok := res.ScoreDeltas[p.ID]; ok && d != 0 {
			p.Score += d
			changed = true
		}
		if changed {
			p.UpdatedAt = now
			m.publish(ChangeEvent{Table: "players", Type: EventUpdate, RoomID: roomID, Player: clonePlayer(p)})
		}
	}
	return cloneRoom(r), nil
}
