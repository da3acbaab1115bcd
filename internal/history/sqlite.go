package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite"
)

// SQLiteProvider reads real (non-simulated) rounds from the game database.
// Hazard layouts come from RealBonePositions when present, else from the
// ChickenPosition rows of the round.
type SQLiteProvider struct {
	db      *sql.DB
	hazards int
}

// OpenSQLite opens the game database. The provider only ever reads from it.
func OpenSQLite(path string, hazards int) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return &SQLiteProvider{db: db, hazards: hazards}, nil
}

func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}

func (p *SQLiteProvider) Rounds(ctx context.Context) ([]Round, error) {
	return p.load(ctx, time.Time{})
}

func (p *SQLiteProvider) RoundsAfter(ctx context.Context, id string) ([]Round, error) {
	if id == "" {
		return p.Rounds(ctx)
	}
	var raw any
	err := p.db.QueryRowContext(ctx, `SELECT createdAt FROM ChickenGame WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		log.Warn().Str("round", id).Msg("Unknown round id, returning full history")
		return p.Rounds(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup round %s: %w", id, err)
	}
	since, err := parseTimestamp(raw)
	if err != nil {
		return nil, err
	}
	return p.load(ctx, since)
}

func (p *SQLiteProvider) LastRoundID(ctx context.Context) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx,
		`SELECT id FROM ChickenGame WHERE isSimulated = 0 ORDER BY createdAt DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

type gameRow struct {
	id        string
	createdAt time.Time
}

func (p *SQLiteProvider) load(ctx context.Context, since time.Time) ([]Round, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, createdAt FROM ChickenGame WHERE isSimulated = 0 ORDER BY createdAt ASC`)
	if err != nil {
		return nil, fmt.Errorf("query games: %w", err)
	}
	var games []gameRow
	for rows.Next() {
		var (
			g   gameRow
			raw any
		)
		if err := rows.Scan(&g.id, &raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan game: %w", err)
		}
		if g.createdAt, err = parseTimestamp(raw); err != nil {
			log.Warn().Err(err).Str("round", g.id).Msg("Skipping game with unreadable timestamp")
			continue
		}
		if !since.IsZero() && !g.createdAt.After(since) {
			continue
		}
		games = append(games, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	corrected, err := p.realPositions(ctx)
	if err != nil {
		return nil, err
	}
	fallback, err := p.chickenPositions(ctx)
	if err != nil {
		return nil, err
	}

	rounds := make([]Round, 0, len(games))
	for _, g := range games {
		positions, ok := corrected[g.id]
		if !ok {
			positions, ok = fallback[g.id]
			if !ok || len(positions) != p.hazards {
				continue
			}
		}
		rounds = append(rounds, Round{ID: g.id, Positions: positions, PlayedAt: g.createdAt})
	}

	log.Debug().Int("games", len(games)).Int("rounds", len(rounds)).Msg("SQLite rounds loaded")
	return rounds, nil
}

// realPositions reads the corrected layouts; the table may be absent in
// older databases.
func (p *SQLiteProvider) realPositions(ctx context.Context) (map[string][]int, error) {
	out := make(map[string][]int)
	rows, err := p.db.QueryContext(ctx, `SELECT gameId, posiciones FROM RealBonePositions`)
	if err != nil {
		log.Warn().Err(err).Msg("RealBonePositions unavailable")
		return out, nil
	}
	defer rows.Close()
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan real positions: %w", err)
		}
		var positions []int
		if err := json.Unmarshal([]byte(raw), &positions); err != nil {
			continue
		}
		sort.Ints(positions)
		out[id] = positions
	}
	return out, rows.Err()
}

func (p *SQLiteProvider) chickenPositions(ctx context.Context) (map[string][]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT cp.gameId, cp.position
		FROM ChickenPosition cp
		JOIN ChickenGame cg ON cp.gameId = cg.id
		WHERE cg.isSimulated = 0 AND cp.isChicken = 0
		ORDER BY cp.gameId, cp.position`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]int)
	for rows.Next() {
		var (
			id  string
			pos int
		)
		if err := rows.Scan(&id, &pos); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out[id] = append(out[id], pos)
	}
	return out, rows.Err()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts the encodings Prisma uses for SQLite DateTime
// columns: epoch milliseconds or text.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case []byte:
		return parseTimestamp(string(t))
	case string:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}
