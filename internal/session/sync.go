// internal/session/sync.go
package session

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/models"
	"github.com/parlor-games/parlor/internal/presence"
	"github.com/parlor-games/parlor/internal/store"
)

// ConnectionStatus describes the health of the push channel.
type ConnectionStatus string

const (
	Connecting   ConnectionStatus = "connecting"
	Connected    ConnectionStatus = "connected"
	Disconnected ConnectionStatus = "disconnected"
)

// Snapshot is one client's consistent read of the session: the room, the
// roster, the opaque game state, derived presence flags, channel health, and
// the last sync error if any.
type Snapshot struct {
	Room       *models.Room     `json:"room"`
	Players    []*models.Player `json:"players"`
	GameState  json.RawMessage  `json:"gameState,omitempty"`
	View       presence.View    `json:"view"`
	Connection ConnectionStatus `json:"connection"`
	Err        error            `json:"-"`
}

// Options tune a Synchronizer. Zero values take the defaults; tests shrink
// the intervals.
type Options struct {
	PollInterval time.Duration // fallback poll cadence while disconnected
	PendingTTL   time.Duration // how long an unconfirmed pending overlay lives
	GraceDelay   time.Duration // host-left notice time before self-eviction
	Backoff      time.Duration // delay between subscribe attempts
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.PendingTTL <= 0 {
		o.PendingTTL = 10 * time.Second
	}
	if o.GraceDelay <= 0 {
		o.GraceDelay = 3 * time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
}

// syncMsg is the single internal event queue feeding the reconcile loop.
// The push handler and the poll tick never touch local state directly; they
// only ever produce messages here.
type syncMsg interface{ isSyncMsg() }

type changeMsg struct{ ev store.ChangeEvent }

type refreshMsg struct {
	room    *models.Room
	players []*models.Player
	err     error
}

type connMsg struct{ status ConnectionStatus }

type pendingMsg struct {
	opID   uuid.UUID
	room   *models.Room
	player *models.Player
}

func (changeMsg) isSyncMsg()  {}
func (refreshMsg) isSyncMsg() {}
func (connMsg) isSyncMsg()    {}
func (pendingMsg) isSyncMsg() {}

type pendingRow struct {
	room    *models.Room
	player  *models.Player
	expires time.Time
}

// Synchronizer keeps one client's view of a room consistent. It reconciles
// pushed change events and polled re-fetches through one single-threaded
// loop, with last-write-wins keyed by each row's UpdatedAt rather than
// arrival order.
type Synchronizer struct {
	svc    *Service
	roomID uuid.UUID
	selfID uuid.UUID
	opts   Options
	log    *logrus.Entry

	inbox   chan syncMsg
	updates chan Snapshot
	evicted chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	cleanOnce sync.Once
	evictOnce sync.Once
	last      atomic.Value // Snapshot
}

// NewSynchronizer starts the sync loop for one (room, player) pair and kicks
// off the push subscription plus an initial full fetch.
func NewSynchronizer(svc *Service, roomID, selfID uuid.UUID, opts Options) *Synchronizer {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Synchronizer{
		svc:     svc,
		roomID:  roomID,
		selfID:  selfID,
		opts:    opts,
		log:     svc.Log.WithFields(logrus.Fields{"room": roomID, "player": selfID}),
		inbox:   make(chan syncMsg, 64),
		updates: make(chan Snapshot, 16),
		evicted: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.last.Store(Snapshot{Connection: Connecting})

	go s.loop()
	go s.subscribeLoop()
	go s.fetch()
	return s
}

// Updates streams snapshots as they change. Slow consumers lose intermediate
// snapshots, never the latest.
func (s *Synchronizer) Updates() <-chan Snapshot { return s.updates }

// Evicted closes once the host-left grace delay has elapsed; the client
// should leave the page/session at that point.
func (s *Synchronizer) Evicted() <-chan struct{} { return s.evicted }

// Snapshot returns the most recent reconciled snapshot.
func (s *Synchronizer) Snapshot() Snapshot { return s.last.Load().(Snapshot) }

// Cleanup severs the subscription and the poll timer. Idempotent, callable
// from any state, and never blocks or panics; other clients' views are
// unaffected.
func (s *Synchronizer) Cleanup() {
	s.cleanOnce.Do(func() {
		s.cancel()
	})
}

// send enqueues onto the internal queue unless the loop is gone.
func (s *Synchronizer) send(m syncMsg) {
	select {
	case s.inbox <- m:
	case <-s.ctx.Done():
	}
}

// subscribeLoop maintains the push channel. Subscription failure is not
// surfaced as an error: the loop reports Disconnected and the poll fallback
// keeps the client eventually consistent until resubscribe succeeds.
func (s *Synchronizer) subscribeLoop() {
	for {
		if s.ctx.Err() != nil {
			return
		}
		sub, err := s.svc.Store.Subscribe(s.ctx, s.roomID)
		if err != nil {
			s.log.Warnf("subscribe failed, degrading to polling: %v", err)
			s.send(connMsg{status: Disconnected})
			if !s.sleep(s.opts.Backoff) {
				return
			}
			continue
		}
		s.send(connMsg{status: Connected})
		// Re-fetch after (re)connecting so nothing that happened while the
		// channel was down is lost; reconciliation dedupes by UpdatedAt.
		go s.fetch()

		alive := true
		for alive {
			select {
			case <-s.ctx.Done():
				sub.Close()
				return
			case ev, ok := <-sub.Events():
				if !ok {
					alive = false
					break
				}
				s.send(changeMsg{ev: ev})
			case err := <-sub.Err():
				s.log.Warnf("push channel lost: %v", err)
				alive = false
			}
		}
		sub.Close()
		s.send(connMsg{status: Disconnected})
		if !s.sleep(s.opts.Backoff) {
			return
		}
	}
}

func (s *Synchronizer) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// fetch reads the room and roster and hands them to the loop as one refresh.
func (s *Synchronizer) fetch() {
	room, err := s.svc.Store.RoomByID(s.ctx, s.roomID)
	if err != nil {
		if s.ctx.Err() == nil {
			s.send(refreshMsg{err: err})
		}
		return
	}
	players, err := s.svc.Store.PlayersByRoom(s.ctx, s.roomID)
	if err != nil {
		if s.ctx.Err() == nil {
			s.send(refreshMsg{err: err})
		}
		return
	}
	s.send(refreshMsg{room: room, players: players})
}

// loop is the single-threaded reconciliation loop. All local state below is
// owned exclusively by this goroutine.
func (s *Synchronizer) loop() {
	var (
		room    *models.Room
		players = make(map[uuid.UUID]*models.Player)
		conn    = Connecting
		pending = make(map[uuid.UUID]pendingRow)
		// removed tombstones deleted player ids so a fetch that raced the
		// delete cannot resurrect the row from its stale result.
		removed = make(map[uuid.UUID]time.Time)
		lastErr error
		haveAny bool
	)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	publish := func() {
		// Before the first successful fetch there is nothing to derive from;
		// a nil room must read as "connecting", not "host left".
		if !haveAny {
			snap := Snapshot{Connection: conn, Err: lastErr}
			s.last.Store(snap)
			s.push(snap)
			return
		}
		snap := s.buildSnapshot(room, players, pending, conn, lastErr)
		s.last.Store(snap)
		s.push(snap)
		if snap.View.HostLeft {
			s.scheduleEviction()
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			s.expirePending(pending)
			expireRemoved(removed)
			if conn != Connected {
				go s.fetch()
			}

		case m := <-s.inbox:
			switch msg := m.(type) {
			case connMsg:
				if conn == msg.status {
					continue
				}
				conn = msg.status
				publish()

			case refreshMsg:
				if msg.err != nil {
					lastErr = msg.err
					publish()
					continue
				}
				lastErr = nil
				haveAny = true
				room = newerRoom(room, msg.room)
				seen := make(map[uuid.UUID]bool, len(msg.players))
				for _, p := range msg.players {
					if _, dead := removed[p.ID]; dead {
						// The fetch started before the delete; its result is
						// stale for this row.
						continue
					}
					seen[p.ID] = true
					if cur, ok := players[p.ID]; !ok || !p.UpdatedAt.Before(cur.UpdatedAt) {
						players[p.ID] = p
						clearConfirmed(pending, nil, p)
					}
				}
				for id := range players {
					if !seen[id] {
						delete(players, id)
					}
				}
				clearConfirmed(pending, room, nil)
				publish()

			case changeMsg:
				lastErr = nil
				if s.reconcile(&room, players, pending, removed, msg.ev) {
					haveAny = true
					publish()
				}

			case pendingMsg:
				pending[msg.opID] = pendingRow{
					room:    msg.room,
					player:  msg.player,
					expires: time.Now().Add(s.opts.PendingTTL),
				}
				publish()
			}
		}
	}
}

// reconcile merges one change event. Returns whether anything changed.
// Last write observed wins, keyed by the row's own UpdatedAt.
func (s *Synchronizer) reconcile(room **models.Room, players map[uuid.UUID]*models.Player, pending map[uuid.UUID]pendingRow, removed map[uuid.UUID]time.Time, ev store.ChangeEvent) bool {
	switch ev.Table {
	case "rooms":
		if ev.Room == nil {
			return false
		}
		next := newerRoom(*room, ev.Room)
		if next == *room {
			return false
		}
		*room = next
		clearConfirmed(pending, next, nil)
		return true

	case "players":
		if ev.Type == store.EventDelete {
			removed[ev.PlayerID] = time.Now().Add(s.opts.PendingTTL)
			if _, ok := players[ev.PlayerID]; !ok {
				return false
			}
			delete(players, ev.PlayerID)
			return true
		}
		if ev.Player == nil {
			return false
		}
		if _, dead := removed[ev.Player.ID]; dead {
			return false
		}
		cur, ok := players[ev.Player.ID]
		if ok && ev.Player.UpdatedAt.Before(cur.UpdatedAt) {
			return false
		}
		players[ev.Player.ID] = ev.Player
		clearConfirmed(pending, nil, ev.Player)
		return true
	}
	return false
}

func newerRoom(cur, in *models.Room) *models.Room {
	if in == nil {
		return cur
	}
	if cur == nil || !in.UpdatedAt.Before(cur.UpdatedAt) {
		return in
	}
	return cur
}

// clearConfirmed drops pending overlays that the given confirmed row now
// covers.
func clearConfirmed(pending map[uuid.UUID]pendingRow, room *models.Room, player *models.Player) {
	for id, p := range pending {
		if room != nil && p.room != nil && !room.UpdatedAt.Before(p.room.UpdatedAt) {
			delete(pending, id)
		}
		if player != nil && p.player != nil && p.player.ID == player.ID && !player.UpdatedAt.Before(p.player.UpdatedAt) {
			delete(pending, id)
		}
	}
}

// expireRemoved drops delete tombstones once any fetch begun before the
// delete must have completed. Player ids are never reused, so expiry only
// bounds memory.
func expireRemoved(removed map[uuid.UUID]time.Time) {
	now := time.Now()
	for id, exp := range removed {
		if now.After(exp) {
			delete(removed, id)
		}
	}
}

// expirePending rolls back overlays that never saw a confirming row.
func (s *Synchronizer) expirePending(pending map[uuid.UUID]pendingRow) {
	now := time.Now()
	for id, p := range pending {
		if now.After(p.expires) {
			s.log.Debugf("pending op %s expired without confirmation", id)
			delete(pending, id)
		}
	}
}

// buildSnapshot assembles the client view: base rows, then any pending
// overlay that is newer than its base.
func (s *Synchronizer) buildSnapshot(room *models.Room, players map[uuid.UUID]*models.Player, pending map[uuid.UUID]pendingRow, conn ConnectionStatus, lastErr error) Snapshot {
	effRoom := room
	eff := make(map[uuid.UUID]*models.Player, len(players))
	for id, p := range players {
		eff[id] = p
	}
	for _, p := range pending {
		if p.room != nil {
			effRoom = newerRoom(effRoom, p.room)
		}
		if p.player != nil {
			if cur, ok := eff[p.player.ID]; !ok || !p.player.UpdatedAt.Before(cur.UpdatedAt) {
				eff[p.player.ID] = p.player
			}
		}
	}

	list := make([]*models.Player, 0, len(eff))
	for _, p := range eff {
		list = append(list, p)
	}
	sortByJoin(list)

	minPlayers := 0
	if effRoom != nil && effRoom.GameType != "" {
		if desc, ok := s.svc.Registry.Lookup(effRoom.GameType); ok {
			minPlayers = desc.MinPlayers
		}
	}

	snap := Snapshot{
		Room:       effRoom,
		Players:    list,
		Connection: conn,
		Err:        lastErr,
		View:       presence.Derive(effRoom, list, s.selfID, minPlayers),
	}
	if effRoom != nil {
		snap.GameState = effRoom.GameState
	}
	return snap
}

func sortByJoin(ps []*models.Player) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0; j-- {
			a, b := ps[j], ps[j-1]
			if a.JoinedAt.After(b.JoinedAt) || (a.JoinedAt.Equal(b.JoinedAt) && a.ID.String() >= b.ID.String()) {
				break
			}
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}

// push hands a snapshot to the consumer without ever blocking the loop;
// if the buffer is full the oldest snapshot is dropped first.
func (s *Synchronizer) push(snap Snapshot) {
	select {
	case s.updates <- snap:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}

// scheduleEviction starts the host-left grace timer exactly once. The notice
// stays visible for the grace delay, then the session tears itself down.
func (s *Synchronizer) scheduleEviction() {
	s.evictOnce.Do(func() {
		s.log.Info("host left, evicting after grace delay")
		time.AfterFunc(s.opts.GraceDelay, func() {
			close(s.evicted)
			s.Cleanup()
		})
	})
}
