// internal/storage/sqlite.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dioceses (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    name          TEXT NOT NULL UNIQUE,
    state         TEXT,
    website       TEXT,
    directory_url TEXT,
    last_error    TEXT,
    updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS parishes (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    diocese_id INTEGER NOT NULL REFERENCES dioceses(id),
    name       TEXT NOT NULL,
    address    TEXT,
    phone      TEXT,
    website    TEXT,
    detail_url TEXT,
    source_url TEXT NOT NULL,
    extractor  TEXT NOT NULL,
    confidence REAL NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE (diocese_id, name)
);

CREATE TABLE IF NOT EXISTS parish_schedule_facts (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    parish_id  INTEGER NOT NULL REFERENCES parishes(id),
    fact_type  TEXT NOT NULL,
    detail     TEXT NOT NULL,
    source_url TEXT NOT NULL,
    confidence REAL NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE (parish_id, fact_type, source_url)
);
`

type sqliteStore struct {
	db     *sql.DB
	logger utils.Logger
	now    func() time.Time
}

func newSQLiteStore(ctx context.Context, cfg Config) (Store, error) {
	db, err := sql.Open("sqlite3", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	// SQLite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent dioceses.
	db.SetMaxOpenConns(1)

	s := &sqliteStore{
		db:     db,
		logger: utils.NewComponentLogger("storage"),
		now:    time.Now,
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) UpsertDiocese(ctx context.Context, d *Diocese) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO dioceses (name, state, website, directory_url, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			state = excluded.state,
			website = excluded.website,
			directory_url = excluded.directory_url,
			updated_at = excluded.updated_at
		RETURNING id`,
		d.Name, d.State, d.Website, d.DirectoryURL, s.now()).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("upserting diocese %q: %w", d.Name, err)
	}
	return nil
}

func (s *sqliteStore) UpsertParishes(ctx context.Context, dioceseID int64, parishes []Parish) (int, error) {
	if len(parishes) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning parish upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO parishes (diocese_id, name, address, phone, website, detail_url, source_url, extractor, confidence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (diocese_id, name) DO UPDATE SET
			address = excluded.address,
			phone = excluded.phone,
			website = excluded.website,
			detail_url = excluded.detail_url,
			source_url = excluded.source_url,
			extractor = excluded.extractor,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
		RETURNING id`)
	if err != nil {
		return 0, fmt.Errorf("preparing parish upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	ts := s.now()
	for i := range parishes {
		p := &parishes[i]
		if err := stmt.QueryRowContext(ctx, dioceseID, p.Name, p.Address, p.Phone,
			p.Website, p.DetailURL, p.SourceURL, p.Extractor, p.Confidence, ts).Scan(&p.ID); err != nil {
			return written, fmt.Errorf("upserting parish %q: %w", p.Name, err)
		}
		p.DioceseID = dioceseID
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing parish upsert: %w", err)
	}
	s.logger.Debugf("upserted %d parishes for diocese %d", written, dioceseID)
	return written, nil
}

func (s *sqliteStore) UpsertScheduleFacts(ctx context.Context, parishID int64, facts []ScheduleFact) (int, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning schedule upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO parish_schedule_facts (parish_id, fact_type, detail, source_url, confidence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (parish_id, fact_type, source_url) DO UPDATE SET
			detail = excluded.detail,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`)
	if err != nil {
		return 0, fmt.Errorf("preparing schedule upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	ts := s.now()
	for _, f := range facts {
		if _, err := stmt.ExecContext(ctx, parishID, f.FactType, f.Detail,
			f.SourceURL, f.Confidence, ts); err != nil {
			return written, fmt.Errorf("upserting %s fact for parish %d: %w", f.FactType, parishID, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing schedule upsert: %w", err)
	}
	return written, nil
}

func (s *sqliteStore) RecordDioceseError(ctx context.Context, dioceseID int64, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dioceses SET last_error = ?, updated_at = ? WHERE id = ?`,
		utils.TruncateString(message, 500), s.now(), dioceseID)
	if err != nil {
		return fmt.Errorf("recording error for diocese %d: %w", dioceseID, err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
