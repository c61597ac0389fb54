package database

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var ErrInvalidPageToken = errors.New("invalid page token")

const instrumentColumns = `id, owner_id, display_name, ticker_symbol, is_crypto,
	quick_entry_price, quick_entry_hit, swing_trade_price, swing_trade_hit,
	load_the_boat_price, load_the_boat_hit, period_month, period_year, created_at, updated_at`

const eligibleFilter = `(NOT quick_entry_hit OR NOT swing_trade_hit OR NOT load_the_boat_hit)`

const schema = `
CREATE TABLE IF NOT EXISTS tracked_instruments (
	id                  TEXT PRIMARY KEY,
	owner_id            TEXT NOT NULL,
	display_name        TEXT NOT NULL DEFAULT '',
	ticker_symbol       TEXT NOT NULL,
	is_crypto           BOOLEAN NOT NULL DEFAULT FALSE,
	quick_entry_price   DOUBLE PRECISION,
	quick_entry_hit     BOOLEAN NOT NULL DEFAULT FALSE,
	swing_trade_price   DOUBLE PRECISION,
	swing_trade_hit     BOOLEAN NOT NULL DEFAULT FALSE,
	load_the_boat_price DOUBLE PRECISION,
	load_the_boat_hit   BOOLEAN NOT NULL DEFAULT FALSE,
	period_month        TEXT NOT NULL,
	period_year         INTEGER NOT NULL,
	created_at          TIMESTAMP NOT NULL,
	updated_at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tracked_instruments_owner ON tracked_instruments (owner_id);
CREATE INDEX IF NOT EXISTS idx_tracked_instruments_ticker ON tracked_instruments (ticker_symbol);
CREATE INDEX IF NOT EXISTS idx_tracked_instruments_period ON tracked_instruments (period_year, period_month);
`

// Store persists tracked instruments in Postgres or SQLite.
type Store struct {
	db      *sql.DB
	driver  string
	nowFunc func() time.Time
}

// Open connects to the database and verifies the connection.
// driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	// Set connection pool parameters
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Log.Info("Database connection established", zap.String("driver", driver))
	return &Store{db: db, driver: driver, nowFunc: time.Now}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the tracked_instruments table and its indexes.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CreateInstrument inserts a new tracked instrument
func (s *Store) CreateInstrument(ctx context.Context, inst *models.TrackedInstrument) error {
	query := s.rebind(`
		INSERT INTO tracked_instruments (` + instrumentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(
		ctx,
		query,
		inst.ID,
		inst.OwnerID,
		inst.DisplayName,
		inst.TickerSymbol,
		inst.IsCrypto,
		inst.QuickEntry.Price,
		inst.QuickEntry.Hit,
		inst.SwingTrade.Price,
		inst.SwingTrade.Hit,
		inst.LoadTheBoat.Price,
		inst.LoadTheBoat.Hit,
		inst.PeriodMonth,
		inst.PeriodYear,
		inst.CreatedAt,
		inst.UpdatedAt,
	)

	if err != nil {
		logger.Log.Error("Failed to create instrument in database",
			zap.String("instrument_id", inst.ID),
			zap.Error(err),
		)
		return err
	}

	return nil
}

// GetInstrumentByID retrieves an instrument by its ID
func (s *Store) GetInstrumentByID(ctx context.Context, id string) (*models.TrackedInstrument, error) {
	query := s.rebind(`SELECT ` + instrumentColumns + ` FROM tracked_instruments WHERE id = ?`)

	inst, err := scanInstrument(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrInstrumentNotFound
		}
		logger.Log.Error("Failed to retrieve instrument",
			zap.String("instrument_id", id),
			zap.Error(err),
		)
		return nil, err
	}

	return inst, nil
}

// GetInstrumentsByOwner retrieves all instruments for a specific user
func (s *Store) GetInstrumentsByOwner(ctx context.Context, ownerID string) ([]*models.TrackedInstrument, error) {
	query := s.rebind(`
		SELECT ` + instrumentColumns + `
		FROM tracked_instruments
		WHERE owner_id = ?
		ORDER BY created_at DESC, id
	`)

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		logger.Log.Error("Failed to query instruments by owner",
			zap.String("owner_id", ownerID),
			zap.Error(err),
		)
		return nil, err
	}
	defer rows.Close()

	return scanInstruments(rows)
}

// ListEligiblePage returns up to limit instruments that still have an unhit
// threshold, starting after pageToken. The returned token is empty once the
// listing is exhausted.
func (s *Store) ListEligiblePage(ctx context.Context, pageToken string, limit int) ([]*models.TrackedInstrument, string, error) {
	if limit <= 0 {
		limit = 100
	}

	after, err := decodePageToken(pageToken)
	if err != nil {
		return nil, "", err
	}

	query := s.rebind(`
		SELECT ` + instrumentColumns + `
		FROM tracked_instruments
		WHERE ` + eligibleFilter + ` AND id > ?
		ORDER BY id
		LIMIT ?
	`)

	// one extra row tells us whether another page exists
	rows, err := s.db.QueryContext(ctx, query, after, limit+1)
	if err != nil {
		return nil, "", fmt.Errorf("list eligible: %w", err)
	}
	defer rows.Close()

	items, err := scanInstruments(rows)
	if err != nil {
		return nil, "", fmt.Errorf("list eligible: %w", err)
	}

	if len(items) <= limit {
		return items, "", nil
	}
	items = items[:limit]
	return items, encodePageToken(items[limit-1].ID), nil
}

// ListEligible drains every page of eligible instruments. Any page error
// fails the whole listing.
func (s *Store) ListEligible(ctx context.Context, pageSize int) ([]*models.TrackedInstrument, error) {
	var all []*models.TrackedInstrument
	token := ""
	pages := 0

	for {
		items, next, err := s.ListEligiblePage(ctx, token, pageSize)
		if err != nil {
			logger.Log.Error("Failed to list eligible instruments",
				zap.Int("pages_read", pages),
				zap.Error(err),
			)
			return nil, err
		}
		pages++
		all = append(all, items...)

		logger.Log.Debug("Fetched eligible page",
			zap.Int("page", pages),
			zap.Int("items", len(items)),
		)

		if next == "" {
			break
		}
		token = next
	}

	return all, nil
}

// ApplyHitUpdate writes the three price/hit pairs of one instrument and
// nothing else. Hit flags are OR-ed into the stored value so a stale or
// repeated write can never clear a flag.
func (s *Store) ApplyHitUpdate(ctx context.Context, id string, upd models.HitUpdate) error {
	query := s.rebind(`
		UPDATE tracked_instruments
		SET quick_entry_price = ?, quick_entry_hit = (quick_entry_hit OR ?),
			swing_trade_price = ?, swing_trade_hit = (swing_trade_hit OR ?),
			load_the_boat_price = ?, load_the_boat_hit = (load_the_boat_hit OR ?),
			updated_at = ?
		WHERE id = ?
	`)

	result, err := s.db.ExecContext(
		ctx,
		query,
		upd.QuickEntry.Price,
		upd.QuickEntry.Hit,
		upd.SwingTrade.Price,
		upd.SwingTrade.Hit,
		upd.LoadTheBoat.Price,
		upd.LoadTheBoat.Hit,
		s.nowFunc(),
		id,
	)
	if err != nil {
		logger.Log.Error("Failed to apply hit update",
			zap.String("instrument_id", id),
			zap.Error(err),
		)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return models.ErrInstrumentNotFound
	}

	return nil
}

// DeleteInstrument deletes an instrument by ID
func (s *Store) DeleteInstrument(ctx context.Context, id string) error {
	query := s.rebind(`DELETE FROM tracked_instruments WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		logger.Log.Error("Failed to delete instrument",
			zap.String("instrument_id", id),
			zap.Error(err),
		)
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return models.ErrInstrumentNotFound
	}

	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func encodePageToken(lastID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(lastID))
}

func decodePageToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return string(raw), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInstrument(row rowScanner) (*models.TrackedInstrument, error) {
	var inst models.TrackedInstrument
	var quick, swing, boat sql.NullFloat64

	err := row.Scan(
		&inst.ID,
		&inst.OwnerID,
		&inst.DisplayName,
		&inst.TickerSymbol,
		&inst.IsCrypto,
		&quick,
		&inst.QuickEntry.Hit,
		&swing,
		&inst.SwingTrade.Hit,
		&boat,
		&inst.LoadTheBoat.Hit,
		&inst.PeriodMonth,
		&inst.PeriodYear,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// NULL prices stay zero and fail validation downstream
	if quick.Valid {
		inst.QuickEntry.Price = quick.Float64
	}
	if swing.Valid {
		inst.SwingTrade.Price = swing.Float64
	}
	if boat.Valid {
		inst.LoadTheBoat.Price = boat.Float64
	}

	return &inst, nil
}

func scanInstruments(rows *sql.Rows) ([]*models.TrackedInstrument, error) {
	var out []*models.TrackedInstrument

	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}
