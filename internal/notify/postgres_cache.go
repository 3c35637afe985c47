package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCacheTableName        = "notistream_snapshots"
	postgresCacheOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresSnapshotCache stores one snapshot row per principal. The
// connection and table are initialized lazily on first use.
type PostgresSnapshotCache struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSnapshotCache(dsn string) (*PostgresSnapshotCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresSnapshotCache{
		dsn:       dsn,
		tableName: postgresCacheTableName,
		openDB:    sql.Open,
	}, nil
}

func (c *PostgresSnapshotCache) Load(principalID string) ([]Notification, error) {
	if err := c.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresCacheOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE principal_id = $1", postgresQuoteIdentifier(c.tableName))
	var payload string
	err := c.db.QueryRowContext(ctx, query, principalID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []Notification
	if err := json.Unmarshal([]byte(payload), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *PostgresSnapshotCache) Save(principalID string, list []Notification) error {
	if err := c.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(list)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresCacheOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (principal_id, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (principal_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(c.tableName))
	_, err = c.db.ExecContext(ctx, query, principalID, string(payload))
	return err
}

func (c *PostgresSnapshotCache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *PostgresSnapshotCache) ensureReady() error {
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresCacheOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				principal_id TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(c.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
