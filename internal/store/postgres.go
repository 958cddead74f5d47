// internal/store/postgres.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/models"
	"github.com/parlor-games/parlor/internal/registry"
	"github.com/parlor-games/parlor/internal/roomerr"
)

const notifyChannel = "parlor_changes"

// schema creates the room/player tables and the row-change triggers. The
// trigger payload carries ids only; subscribers re-fetch the row, which keeps
// us clear of the NOTIFY payload size limit.
const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id uuid PRIMARY KEY,
	code text NOT NULL,
	host_id uuid NOT NULL,
	game_type text NOT NULL DEFAULT '',
	status text NOT NULL,
	max_players int NOT NULL,
	want_change_game uuid[] NOT NULL DEFAULT '{}',
	extra jsonb,
	game_state jsonb,
	is_deleted boolean NOT NULL DEFAULT false,
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS rooms_live_code_idx ON rooms (code) WHERE NOT is_deleted;

CREATE TABLE IF NOT EXISTS players (
	id uuid PRIMARY KEY,
	room_id uuid NOT NULL REFERENCES rooms(id),
	nickname text NOT NULL,
	is_ready boolean NOT NULL DEFAULT false,
	is_alive boolean NOT NULL DEFAULT false,
	score int NOT NULL DEFAULT 0,
	joined_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS players_room_idx ON players (room_id);

CREATE OR REPLACE FUNCTION parlor_notify() RETURNS trigger AS $$
DECLARE
	rid uuid;
	row_id uuid;
BEGIN
	IF TG_TABLE_NAME = 'rooms' THEN
		rid := COALESCE(NEW.id, OLD.id);
		row_id := rid;
	ELSE
		rid := COALESCE(NEW.room_id, OLD.room_id);
		row_id := COALESCE(NEW.id, OLD.id);
	END IF;
	PERFORM pg_notify('parlor_changes', json_build_object(
		'table', TG_TABLE_NAME,
		'type', lower(TG_OP),
		'room_id', rid,
		'id', row_id
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS rooms_notify ON rooms;
CREATE TRIGGER rooms_notify AFTER INSERT OR UPDATE OR DELETE ON rooms
	FOR EACH ROW EXECUTE FUNCTION parlor_notify();
DROP TRIGGER IF EXISTS players_notify ON players;
CREATE TRIGGER players_notify AFTER INSERT OR UPDATE OR DELETE ON players
	FOR EACH ROW EXECUTE FUNCTION parlor_notify();
`

// PostgresStore implements Store on pgx. The change feed rides Postgres
// LISTEN/NOTIFY with one dedicated connection per subscription.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
}

// ConnectPostgres builds a pool from POSTGRES_USER/POSTGRES_PASSWORD/PG_HOST/
// PG_PORT/PG_DATABASE, pings it, and ensures the schema.
func ConnectPostgres(ctx context.Context, log *logrus.Logger) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		os.Getenv("POSTGRES_USER"),
		os.Getenv("POSTGRES_PASSWORD"),
		os.Getenv("PG_HOST"),
		os.Getenv("PG_PORT"),
		os.Getenv("PG_DATABASE"),
	)
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	s := &PostgresStore{pool: pool, log: log}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	log.Infof("connected to postgres at %s:%s/%s", os.Getenv("PG_HOST"), os.Getenv("PG_PORT"), os.Getenv("PG_DATABASE"))
	return s, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return roomerr.Wrap(roomerr.CodeRoomNotFound, err)
	}
	return roomerr.Wrap(roomerr.CodeStoreUnavailable, err)
}

const roomCols = `id, code, host_id, game_type, status, max_players, want_change_game, extra, game_state, is_deleted, created_at, updated_at`

func scanRoom(row pgx.Row) (*models.Room, error) {
	var r models.Room
	var status string
	err := row.Scan(&r.ID, &r.Code, &r.HostID, &r.GameType, &status, &r.MaxPlayers,
		&r.WantChangeGame, &r.Extra, &r.GameState, &r.IsDeleted, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.RoomStatus(status)
	return &r, nil
}

const playerCols = `id, room_id, nickname, is_ready, is_alive, score, joined_at, updated_at`

func scanPlayer(row pgx.Row) (*models.Player, error) {
	var p models.Player
	err := row.Scan(&p.ID, &p.RoomID, &p.Nickname, &p.IsReady, &p.IsAlive, &p.Score, &p.JoinedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertRoomWithHost writes room and host in one transaction so a failed
// player insert never leaves a hostless room visible to anyone.
func (s *PostgresStore) InsertRoomWithHost(ctx context.Context, room *models.Room, host *models.Player) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rooms (id, code, host_id, game_type, status, max_players, extra)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			room.ID, room.Code, room.HostID, room.GameType, string(room.Status), room.MaxPlayers, room.Extra,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO players (id, room_id, nickname)
			VALUES ($1, $2, $3)`,
			host.ID, host.RoomID, host.Nickname,
		)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrCodeConflict
		}
		return storeErr(err)
	}
	return nil
}

// RoomByCode finds the live room holding code.
func (s *PostgresStore) RoomByCode(ctx context.Context, code string) (*models.Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx,
		`SELECT `+roomCols+` FROM rooms WHERE code = $1 AND NOT is_deleted`, code))
	if err != nil {
		return nil, storeErr(err)
	}
	return r, nil
}

// RoomByID returns the room regardless of the soft-delete flag.
func (s *PostgresStore) RoomByID(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx,
		`SELECT `+roomCols+` FROM rooms WHERE id = $1`, id))
	if err != nil {
		return nil, storeErr(err)
	}
	return r, nil
}

// PlayerByID returns one player row.
func (s *PostgresStore) PlayerByID(ctx context.Context, id uuid.UUID) (*models.Player, error) {
	p, err := scanPlayer(s.pool.QueryRow(ctx,
		`SELECT `+playerCols+` FROM players WHERE id = $1`, id))
	if err != nil {
		return nil, storeErr(err)
	}
	return p, nil
}

// PlayersByRoom returns the roster ordered by join time.
func (s *PostgresStore) PlayersByRoom(ctx context.Context, roomID uuid.UUID) ([]*models.Player, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+playerCols+` FROM players WHERE room_id = $1 ORDER BY joined_at, id`, roomID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()
	var out []*models.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, p)
	}
	return out, storeErr(rows.Err())
}

// InsertPlayer appends one roster row.
func (s *PostgresStore) InsertPlayer(ctx context.Context, p *models.Player) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO players (id, room_id, nickname)
		VALUES ($1, $2, $3)`,
		p.ID, p.RoomID, p.Nickname,
	)
	return storeErr(err)
}

// SavePlayer persists the caller's own row.
func (s *PostgresStore) SavePlayer(ctx context.Context, actor uuid.UUID, p *models.Player) error {
	if actor != p.ID {
		return ErrNotOwner
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE players SET nickname = $2, is_ready = $3, is_alive = $4, score = $5, updated_at = now()
		WHERE id = $1`,
		p.ID, p.Nickname, p.IsReady, p.IsAlive, p.Score,
	)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return roomerr.New(roomerr.CodeRoomNotFound, "no player %s", p.ID)
	}
	return nil
}

// SaveRoom persists the room for the host only.
func (s *PostgresStore) SaveRoom(ctx context.Context, actor uuid.UUID, room *models.Room) error {
	if actor != room.HostID {
		return roomerr.New(roomerr.CodeNotHost, "player %s is not the host of room %s", actor, room.ID)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE rooms SET game_type = $2, status = $3, max_players = $4,
			want_change_game = $5, extra = $6, game_state = $7, updated_at = now()
		WHERE id = $1 AND host_id = $8`,
		room.ID, room.GameType, string(room.Status), room.MaxPlayers,
		room.WantChangeGame, room.Extra, room.GameState, actor,
	)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		return roomerr.New(roomerr.CodeRoomNotFound, "no room %s", room.ID)
	}
	return nil
}

// AddChangeVote appends actor's own id to the vote set, idempotently.
func (s *PostgresStore) AddChangeVote(ctx context.Context, actor uuid.UUID, roomID uuid.UUID) (*models.Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx, `
		UPDATE rooms SET want_change_game = array_append(want_change_game, $2), updated_at = now()
		WHERE id = $1 AND NOT is_deleted AND NOT ($2 = ANY(want_change_game))
		RETURNING `+roomCols, roomID, actor))
	if errors.Is(err, pgx.ErrNoRows) {
		// Already voted or no such room; re-read to tell the two apart.
		return s.RoomByID(ctx, roomID)
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return r, nil
}

// DeletePlayer removes the caller's own row.
func (s *PostgresStore) DeletePlayer(ctx context.Context, actor uuid.UUID, playerID uuid.UUID) error {
	if actor != playerID {
		return ErrNotOwner
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM players WHERE id = $1`, playerID)
	return storeErr(err)
}

// SoftDeleteRoom flags the room deleted; the host-only check rides the WHERE.
func (s *PostgresStore) SoftDeleteRoom(ctx context.Context, actor uuid.UUID, roomID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rooms SET is_deleted = true, updated_at = now()
		WHERE id = $1 AND host_id = $2 AND NOT is_deleted`, roomID, actor)
	if err != nil {
		return storeErr(err)
	}
	if tag.RowsAffected() == 0 {
		r, rerr := s.RoomByID(ctx, roomID)
		if rerr != nil {
			return rerr
		}
		if r.HostID != actor {
			return roomerr.New(roomerr.CodeNotHost, "player %s is not the host of room %s", actor, roomID)
		}
	}
	return nil
}

// ResetRoster clears ready flags and sets alive flags for the whole roster.
func (s *PostgresStore) ResetRoster(ctx context.Context, roomID uuid.UUID, alive bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE players SET is_ready = false, is_alive = $2, updated_at = now()
		WHERE room_id = $1 AND (is_ready OR is_alive <> $2)`, roomID, alive)
	return storeErr(err)
}

// ApplyGameResult persists the reducer's verdict in one transaction.
func (s *PostgresStore) ApplyGameResult(ctx context.Context, roomID uuid.UUID, res registry.Result, status models.RoomStatus) (*models.Room, error) {
	var out *models.Room
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		r, err := scanRoom(tx.QueryRow(ctx, `
			UPDATE rooms SET game_state = COALESCE($2, game_state), status = $3, updated_at = now()
			WHERE id = $1 AND NOT is_deleted
			RETURNING `+roomCols, roomID, res.State, string(status)))
		if err != nil {
			return err
		}
		out = r
		if len(res.Eliminated) > 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE players SET is_alive = false, updated_at = now()
				WHERE room_id = $1 AND id = ANY($2)`, roomID, res.Eliminated); err != nil {
				return err
			}
		}
		for id, delta := range res.ScoreDeltas {
			if delta == 0 {
				continue
			}
			if _, err := tx.Exec(ctx, `
				UPDATE players SET score = score + $3, updated_at = now()
				WHERE room_id = $1 AND id = $2`, roomID, id, delta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

type pgSub struct {
	events chan ChangeEvent
	errs   chan error
	cancel context.CancelFunc
}

func (s *pgSub) Events() <-chan ChangeEvent { return s.events }
func (s *pgSub) Err() <-chan error          { return s.errs }
func (s *pgSub) Close()                     { s.cancel() }

type notifyPayload struct {
	Table  string    `json:"table"`
	Type   EventType `json:"type"`
	RoomID uuid.UUID `json:"room_id"`
	ID     uuid.UUID `json:"id"`
}

// Subscribe opens a dedicated LISTEN connection scoped to roomID. The
// notification only names the changed row; the full row is re-fetched here so
// events always carry current data.
func (s *PostgresStore) Subscribe(ctx context.Context, roomID uuid.UUID) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	conn, err := s.pool.Acquire(subCtx)
	if err != nil {
		cancel()
		return nil, storeErr(err)
	}
	if _, err := conn.Exec(subCtx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		cancel()
		return nil, storeErr(err)
	}

	sub := &pgSub{
		events: make(chan ChangeEvent, 64),
		errs:   make(chan error, 1),
		cancel: cancel,
	}

	go func() {
		defer conn.Release()
		defer close(sub.events)
		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					sub.errs <- storeErr(err)
				}
				return
			}
			var payload notifyPayload
			if err := json.Unmarshal([]byte(n.Payload), &payload); err != nil {
				s.log.Warnf("change feed: bad payload %q: %v", n.Payload, err)
				continue
			}
			if payload.RoomID != roomID {
				continue
			}
			ev, ok := s.resolveEvent(subCtx, payload)
			if !ok {
				continue
			}
			select {
			case sub.events <- ev:
			default:
				s.log.Warnf("change feed: subscriber buffer full for room %s, dropped %s/%s", roomID, ev.Table, ev.Type)
			}
		}
	}()
	return sub, nil
}

// resolveEvent turns an id-only notification into a full ChangeEvent.
func (s *PostgresStore) resolveEvent(ctx context.Context, payload notifyPayload) (ChangeEvent, bool) {
	ev := ChangeEvent{Table: payload.Table, Type: payload.Type, RoomID: payload.RoomID}
	if payload.Type == EventDelete {
		ev.PlayerID = payload.ID
		return ev, true
	}
	switch payload.Table {
	case "rooms":
		r, err := s.RoomByID(ctx, payload.RoomID)
		if err != nil {
			s.log.Warnf("change feed: fetch room %s: %v", payload.RoomID, err)
			return ev, false
		}
		ev.Room = r
	case "players":
		p, err := s.PlayerByID(ctx, payload.ID)
		if err != nil {
			// Row may already be gone; treat as delete.
			ev.Type = EventDelete
			ev.PlayerID = payload.ID
			return ev, true
		}
		ev.Player = p
	default:
		return ev, false
	}
	return ev, true
}
