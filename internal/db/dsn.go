package db

import (
	"fmt"
	"net/url"
	"strings"
)

type Driver string

const (
	DriverPostgres Driver = "pgx"
	DriverSQLite   Driver = "sqlite"
)

// ParseDSN picks the database/sql driver for a DATABASE_URL.
// postgres:// and postgresql:// go to pgx; sqlite:, file: and :memory: go to sqlite.
// The returned source is what the driver expects to receive.
func ParseDSN(dsn string) (Driver, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", fmt.Errorf("empty DSN")
	}
	switch {
	case dsn == ":memory:":
		return DriverSQLite, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return DriverSQLite, strings.TrimPrefix(dsn, "sqlite:"), nil
	case strings.HasPrefix(dsn, "file:"):
		return DriverSQLite, dsn, nil
	}

	if !strings.Contains(dsn, "://") {
		// allow missing scheme by prefixing postgres://
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", fmt.Errorf("parse DSN: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", "", fmt.Errorf("unsupported DSN scheme: %q", u.Scheme)
	}
	return DriverPostgres, u.String(), nil
}

// rebind rewrites ? placeholders to $n for postgres.
func rebind(d Driver, q string) string {
	if d != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
