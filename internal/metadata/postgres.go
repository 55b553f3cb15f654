package metadata

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"
)

//go:embed schema_postgres.sql
var postgresSchema string

// OpenPostgres connects to the metadata database described by dsn.
func OpenPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn required")
	}
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	store := &sqlStore{
		db: db,
		dialect: dialect{
			name:            "postgres",
			schema:          postgresSchema,
			tableExistsSQL:  "SELECT COUNT(1) FROM information_schema.tables WHERE table_name = 'schema_version'",
			positional:      true,
			timeArg:         func(t time.Time) any { return t.UTC() },
			locatorLocation: redactDSN(dsn),
		},
		now: time.Now,
	}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// redactDSN keeps host and database name for locators and logs.
func redactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Host != "" {
		return u.Host + u.Path
	}
	return "postgres"
}
