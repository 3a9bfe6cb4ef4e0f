// internal/storage/mysql.go
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS dioceses (
    id            BIGINT AUTO_INCREMENT PRIMARY KEY,
    name          VARCHAR(255) NOT NULL UNIQUE,
    state         VARCHAR(64),
    website       TEXT,
    directory_url TEXT,
    last_error    TEXT,
    updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS parishes (
    id         BIGINT AUTO_INCREMENT PRIMARY KEY,
    diocese_id BIGINT NOT NULL,
    name       VARCHAR(255) NOT NULL,
    address    TEXT,
    phone      VARCHAR(64),
    website    TEXT,
    detail_url TEXT,
    source_url TEXT NOT NULL,
    extractor  VARCHAR(64) NOT NULL,
    confidence DOUBLE NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE KEY uniq_parish (diocese_id, name)
);

CREATE TABLE IF NOT EXISTS parish_schedule_facts (
    id         BIGINT AUTO_INCREMENT PRIMARY KEY,
    parish_id  BIGINT NOT NULL,
    fact_type  VARCHAR(32) NOT NULL,
    detail     TEXT NOT NULL,
    source_url VARCHAR(512) NOT NULL,
    confidence DOUBLE NOT NULL,
    updated_at DATETIME NOT NULL,
    UNIQUE KEY uniq_fact (parish_id, fact_type, source_url)
);
`

type mysqlStore struct {
	db     *sql.DB
	logger utils.Logger
	now    func() time.Time
}

func newMySQLStore(ctx context.Context, cfg Config) (Store, error) {
	db, err := sql.Open("mysql", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("opening mysql connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &mysqlStore{
		db:     db,
		logger: utils.NewComponentLogger("storage"),
		now:    time.Now,
	}
	// The mysql driver rejects multi-statement Exec unless enabled in
	// the DSN, so the schema runs statement by statement.
	for _, stmt := range splitStatements(mysqlSchema) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating mysql schema: %w", err)
		}
	}
	return s, nil
}

func (s *mysqlStore) UpsertDiocese(ctx context.Context, d *Diocese) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dioceses (name, state, website, directory_url, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			id = LAST_INSERT_ID(id),
			state = VALUES(state),
			website = VALUES(website),
			directory_url = VALUES(directory_url),
			updated_at = VALUES(updated_at)`,
		d.Name, d.State, d.Website, d.DirectoryURL, s.now())
	if err != nil {
		return fmt.Errorf("upserting diocese %q: %w", d.Name, err)
	}
	if id, err := res.LastInsertId(); err == nil && id > 0 {
		d.ID = id
	}
	return nil
}

func (s *mysqlStore) UpsertParishes(ctx context.Context, dioceseID int64, parishes []Parish) (int, error) {
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
		ON DUPLICATE KEY UPDATE
			id = LAST_INSERT_ID(id),
			address = VALUES(address),
			phone = VALUES(phone),
			website = VALUES(website),
			detail_url = VALUES(detail_url),
			source_url = VALUES(source_url),
			extractor = VALUES(extractor),
			confidence = VALUES(confidence),
			updated_at = VALUES(updated_at)`)
	if err != nil {
		return 0, fmt.Errorf("preparing parish upsert: %w", err)
	}
	defer stmt.Close()

	written := 0
	ts := s.now()
	for i := range parishes {
		p := &parishes[i]
		res, err := stmt.ExecContext(ctx, dioceseID, p.Name, p.Address, p.Phone,
			p.Website, p.DetailURL, p.SourceURL, p.Extractor, p.Confidence, ts)
		if err != nil {
			return written, fmt.Errorf("upserting parish %q: %w", p.Name, err)
		}
		if id, err := res.LastInsertId(); err == nil && id > 0 {
			p.ID = id
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

func (s *mysqlStore) UpsertScheduleFacts(ctx context.Context, parishID int64, facts []ScheduleFact) (int, error) {
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
		ON DUPLICATE KEY UPDATE
			detail = VALUES(detail),
			confidence = VALUES(confidence),
			updated_at = VALUES(updated_at)`)
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

func (s *mysqlStore) RecordDioceseError(ctx context.Context, dioceseID int64, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dioceses SET last_error = ?, updated_at = ? WHERE id = ?`,
		utils.TruncateString(message, 500), s.now(), dioceseID)
	if err != nil {
		return fmt.Errorf("recording error for diocese %d: %w", dioceseID, err)
	}
	return nil
}

func (s *mysqlStore) Close() error {
	return s.db.Close()
}
