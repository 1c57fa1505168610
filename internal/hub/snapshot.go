package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"inkroom/internal/state"
)

// SnapshotStore persists a room's replicated history across hub restarts.
// The document of record is still the convergent store; snapshots are how a
// room replica is rebuilt when every participant was gone.
type SnapshotStore interface {
	Load(ctx context.Context, roomID string) (state.Delta, bool, error)
	Save(ctx context.Context, roomID string, d state.Delta) error
}

// MemorySnapshots keeps snapshots in process memory.
type MemorySnapshots struct {
	mu    sync.RWMutex
	rooms map[string][]byte
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{rooms: make(map[string][]byte)}
}

func (m *MemorySnapshots) Load(_ context.Context, roomID string) (state.Delta, bool, error) {
	m.mu.RLock()
	data, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if !ok {
		return state.Delta{}, false, nil
	}
	d, err := state.DecodeDelta(data)
	if err != nil {
		return state.Delta{}, false, err
	}
	return d, true, nil
}

func (m *MemorySnapshots) Save(_ context.Context, roomID string, d state.Delta) error {
	data, err := state.EncodeDelta(d)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.rooms[roomID] = data
	m.mu.Unlock()
	return nil
}

// PostgresSnapshots stores snapshots in a room_snapshots table.
type PostgresSnapshots struct {
	pool *pgxpool.Pool
}

// NewPostgresSnapshots connects to url and ensures the schema exists.
func NewPostgresSnapshots(ctx context.Context, url string) (*PostgresSnapshots, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	const schema = `
		CREATE TABLE IF NOT EXISTS room_snapshots (
			room_id    TEXT PRIMARY KEY,
			ops        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresSnapshots{pool: pool}, nil
}

func (p *PostgresSnapshots) Load(ctx context.Context, roomID string) (state.Delta, bool, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT ops FROM room_snapshots WHERE room_id = $1`, roomID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state.Delta{}, false, nil
		}
		return state.Delta{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	d, err := state.DecodeDelta(data)
	if err != nil {
		return state.Delta{}, false, err
	}
	return d, true, nil
}

func (p *PostgresSnapshots) Save(ctx context.Context, roomID string, d state.Delta) error {
	data, err := state.EncodeDelta(d)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO room_snapshots (room_id, ops, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (room_id) DO UPDATE SET ops = EXCLUDED.ops, updated_at = now()`,
		roomID, data)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *PostgresSnapshots) Close() {
	p.pool.Close()
}
