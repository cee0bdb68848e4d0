package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/lox/coolweather/internal/models"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Store is the region hierarchy store plus the settings and audit tables that
// share its database.
type Store struct {
	db *sqlx.DB

	// writeMu serializes region batches so concurrent fetch-miss cycles never
	// interleave their inserts.
	writeMu sync.Mutex
}

func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "sqlite")}
}

// Open opens the sqlite database at path. The pragmas are part of the DSN so
// every pooled connection gets them, not just the first.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// DSN builds the modernc sqlite connection string for path with WAL
// journaling and a 5s busy timeout.
func DSN(path string) string {
	v := url.Values{}
	v.Add("_pragma", "busy_timeout(5000)")
	v.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + v.Encode()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Settings returns the key-value view over the settings table.
func (s *Store) Settings() *SettingsTable {
	return &SettingsTable{db: s.db}
}

type levelTable struct {
	table     string
	nameCol   string
	codeCol   string
	parentCol string
}

var levelTables = map[models.Level]levelTable{
	models.LevelProvince: {table: "province", nameCol: "province_name", codeCol: "province_code"},
	models.LevelCity:     {table: "city", nameCol: "city_name", codeCol: "city_code", parentCol: "province_id"},
	models.LevelCounty:   {table: "county", nameCol: "county_name", codeCol: "county_code", parentCol: "city_id"},
}

func tableFor(level models.Level) (levelTable, error) {
	t, ok := levelTables[level]
	if !ok {
		return levelTable{}, fmt.Errorf("no table for %s", level)
	}
	return t, nil
}

func (t levelTable) selectColumns() string {
	parent := "0"
	if t.parentCol != "" {
		parent = t.parentCol
	}
	return fmt.Sprintf("id, %s AS name, %s AS code, %s AS parent_id", t.nameCol, t.codeCol, parent)
}
