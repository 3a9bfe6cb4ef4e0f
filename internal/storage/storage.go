// internal/storage/storage.go
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Diocese is one diocese row in the backing store.
type Diocese struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	State        string    `json:"state,omitempty"`
	Website      string    `json:"website,omitempty"`
	DirectoryURL string    `json:"directory_url,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Parish is one extracted parish record. The natural key is
// (diocese_id, name); repeated runs upsert rather than duplicate.
type Parish struct {
	ID         int64     `json:"id"`
	DioceseID  int64     `json:"diocese_id"`
	Name       string    `json:"name"`
	Address    string    `json:"address,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	Website    string    `json:"website,omitempty"`
	DetailURL  string    `json:"detail_url,omitempty"`
	SourceURL  string    `json:"source_url"`
	Extractor  string    `json:"extractor"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Schedule fact types.
const (
	FactMass           = "mass"
	FactReconciliation = "reconciliation"
	FactAdoration      = "adoration"
)

// ScheduleFact is one extracted schedule entry for a parish. The
// natural key is (parish_id, fact_type, source_url).
type ScheduleFact struct {
	ID         int64     `json:"id"`
	ParishID   int64     `json:"parish_id"`
	FactType   string    `json:"fact_type"`
	Detail     string    `json:"detail"`
	SourceURL  string    `json:"source_url"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the persistence collaborator: idempotent upserts keyed by
// natural keys, tolerant of repeated extraction runs. UpsertDiocese and
// UpsertParishes fill in the record IDs so callers can attach facts.
type Store interface {
	UpsertDiocese(ctx context.Context, diocese *Diocese) error
	UpsertParishes(ctx context.Context, dioceseID int64, parishes []Parish) (int, error)
	UpsertScheduleFacts(ctx context.Context, parishID int64, facts []ScheduleFact) (int, error)
	RecordDioceseError(ctx context.Context, dioceseID int64, message string) error
	Close() error
}

// Backend names accepted in configuration.
const (
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
	BackendSQLite   = "sqlite"
	BackendMongoDB  = "mongodb"
)

// Config selects and connects a storage backend.
type Config struct {
	Backend          string `yaml:"backend" json:"backend"`
	ConnectionString string `yaml:"connection_string" json:"connection_string"`
	Database         string `yaml:"database,omitempty" json:"database,omitempty"`
}

// Open connects the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendPostgres:
		return newPostgresStore(ctx, cfg)
	case BackendMySQL:
		return newMySQLStore(ctx, cfg)
	case BackendSQLite:
		return newSQLiteStore(ctx, cfg)
	case BackendMongoDB:
		return newMongoStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// splitStatements breaks a multi-statement schema into individual
// statements for drivers that execute one at a time.
func splitStatements(schema string) []string {
	var stmts []string
	for _, raw := range strings.Split(schema, ";") {
		if s := strings.TrimSpace(raw); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
