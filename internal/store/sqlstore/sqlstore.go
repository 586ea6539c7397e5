// Package sqlstore implements the database store.Backend contract on top of
// PostgreSQL via jmoiron/sqlx and lib/pq, selected when the configured store
// path has a "postgresql://" scheme.
package sqlstore

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/nicos-cache/cachesrv/internal/entry"
	"github.com/nicos-cache/cachesrv/internal/store"
)

// "values" is a reserved word in PostgreSQL (the VALUES clause), so every
// reference to the table must be quoted.
const valuesTable = `"values"`

const schema = `
CREATE TABLE IF NOT EXISTS ` + valuesTable + ` (
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	time    DOUBLE PRECISION NOT NULL,
	expires BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS values_key_time_idx ON ` + valuesTable + ` (key, time);
`

// Store is the Postgres-backed store.Backend.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

var _ store.Backend = (*Store)(nil)

// New opens (and, if necessary, migrates) a Postgres store at uri, which
// must be a "postgresql://" connection string.
func New(uri string, logger zerolog.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres store: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Clear drops the values table and recreates it, with its index, as an
// UNLOGGED table.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS ` + valuesTable); err != nil {
		return fmt.Errorf("drop values: %w", err)
	}
	if _, err := s.db.Exec(strings.Replace(schema, "CREATE TABLE", "CREATE UNLOGGED TABLE", 1)); err != nil {
		return fmt.Errorf("recreate values: %w", err)
	}
	return nil
}

// TellHook is a no-op for the SQL backend: there is no daily rollover, the
// database just grows a history table.
func (s *Store) TellHook(entry.Entry, store.EntryMap) error {
	return nil
}

type valueRow struct {
	Key     string  `db:"key"`
	Value   string  `db:"value"`
	Time    float64 `db:"time"`
	Expires bool    `db:"expires"`
}

// LoadLatest loads, for every key, the single most recent row.
func (s *Store) LoadLatest(entries store.EntryMap) error {
	const q = `
		SELECT v.key, v.value, v.time, v.expires
		FROM ` + valuesTable + ` v
		JOIN (
			SELECT key, MAX(time) AS time
			FROM ` + valuesTable + `
			GROUP BY key
		) latest ON v.key = latest.key AND v.time = latest.time
	`
	var rows []valueRow
	if err := s.db.Select(&rows, q); err != nil {
		return fmt.Errorf("load latest values: %w", err)
	}
	for _, r := range rows {
		cat, subkey := entry.SplitKey(r.Key)
		e := entry.New(r.Time, 0, r.Value)
		if r.Expires {
			e = e.Expire()
		}
		if entries[cat] == nil {
			entries[cat] = make(map[string]entry.Entry)
		}
		entries[cat][subkey] = e
	}
	s.logger.Info().Int("rows", len(rows)).Msg("loaded store data")
	return nil
}

// Save inserts one history row. The SQL backend keys rows by the full
// "category/subkey" key, reconstructed here from category and subkey so
// history queries can address keys the same way the flat-file backend does.
func (s *Store) Save(category, subkey string, e entry.Entry) error {
	key := entry.ConstructKey(category, subkey)
	const q = `INSERT INTO ` + valuesTable + ` (key, value, time, expires) VALUES ($1, $2, $3, $4)`
	value := e.Value
	if e.Expired {
		value = ""
	}
	_, err := s.db.Exec(q, key, value, e.Time, e.Expired)
	if err != nil {
		return fmt.Errorf("insert value: %w", err)
	}
	return nil
}

// QueryHistory invokes sink for every row of key in [from, to], in
// ascending time order.
func (s *Store) QueryHistory(key string, from, to float64, sink func(time float64, value string)) error {
	const q = `
		SELECT value, time
		FROM ` + valuesTable + `
		WHERE key = $1 AND time >= $2 AND time <= $3
		ORDER BY time ASC
	`
	rows, err := s.db.Query(q, key, from, to)
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var value string
		var t float64
		if err := rows.Scan(&value, &t); err != nil {
			return fmt.Errorf("scan history row: %w", err)
		}
		sink(t, value)
	}
	return rows.Err()
}
