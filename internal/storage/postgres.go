// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// postgresSchema is created on connect. Unique constraints carry the
// natural keys so repeated extraction runs upsert instead of
// duplicating.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS dioceses (
    id            BIGSERIAL PRIMARY KEY,
    name          TEXT NOT NULL UNIQUE,
    state         TEXT,
    website       TEXT,
    directory_url TEXT,
    last_error    TEXT,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS parishes (
    id         BIGSERIAL PRIMARY KEY,
    diocese_id BIGINT NOT NULL REFERENCES dioceses(id),
    name       TEXT NOT NULL,
    address    TEXT,
    phone      TEXT,
    website    TEXT,
    detail_url TEXT,
    source_url TEXT NOT NULL,
    extractor  TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (diocese_id, name)
);

CREATE TABLE IF NOT EXISTS parish_schedule_facts (
    id         BIGSERIAL PRIMARY KEY,
    parish_id  BIGINT NOT NULL REFERENCES parishes(id),
    fact_type  TEXT NOT NULL,
    detail     TEXT NOT NULL,
    source_url TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    UNIQUE (parish_id, fact_type, source_url)
);
`

type postgresStore struct {
	db     *sql.DB
	logger utils.Logger
	now    func() time.Time
}

func newPostgresStore(ctx context.Context, cfg Config) (Store, error) {
	db, err := sql.Open("postgres", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &postgresStore{
		db:     db,
		logger: utils.NewComponentLogger("storage"),
		now:    time.Now,
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating postgres schema: %w", err)
	}
	return s, nil
}

func (s *postgresStore) UpsertDiocese(ctx context.Context, d *Diocese) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO dioceses (name, state, website, directory_url, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			state = EXCLUDED.state,
			website = EXCLUDED.website,
			directory_url = EXCLUDED.directory_url,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		d.Name, d.State, d.Website, d.DirectoryURL, s.now()).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("upserting diocese %q: %w", d.Name, err)
	}
	return nil
}

// UpsertParishes writes the batch in one transaction and fills in each
// element's ID and DioceseID.
func (s *postgresStore) UpsertParishes(ctx context.Context, dioceseID int64, parishes []Parish) (int, error) {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (diocese_id, name) DO UPDATE SET
			address = EXCLUDED.address,
			phone = EXCLUDED.phone,
			website = EXCLUDED.website,
			detail_url = EXCLUDED.detail_url,
			source_url = EXCLUDED.source_url,
			extractor = EXCLUDED.extractor,
			confidence = EXCLUDED.confidence,
			updated_at = EXCLUDED.updated_at
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

func (s *postgresStore) UpsertScheduleFacts(ctx context.Context, parishID int64, facts []ScheduleFact) (int, error) {
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
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (parish_id, fact_type, source_url) DO UPDATE SET
			detail = EXCLUDED.detail,
			confidence = EXCLUDED.confidence,
			updated_at = EXCLUDED.updated_at`)
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

func (s *postgresStore) RecordDioceseError(ctx context.Context, dioceseID int64, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dioceses SET last_error = $1, updated_at = $2 WHERE id = $3`,
		utils.TruncateString(message, 500), s.now(), dioceseID)
	if err != nil {
		return fmt.Errorf("recording error for diocese %d: %w", dioceseID, err)
	}
	return nil
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}
