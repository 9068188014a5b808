package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	driver:     "pgx",
	seqColumn:  "seq BIGSERIAL PRIMARY KEY",
	lockSuffix: " FOR UPDATE",
	rebind:     rebindDollar,
}

// NewPostgresStore opens a postgres-backed store through the pgx stdlib driver.
func NewPostgresStore(ctx context.Context, url string) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driver, url)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return newSQLStore(db, postgresDialect)
}

// rebindDollar rewrites ? placeholders into $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open picks a store implementation from the DSN.
//
//	memory                       in-process, lost on restart
//	postgres://... postgresql:// postgres via pgx
//	anything else                sqlite file DSN
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "memory":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresStore(ctx, dsn)
	default:
		return NewSQLiteStore(dsn)
	}
}
