package central

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// dialect covers the differences between PostgreSQL and SQLite that matter
// to the merge statements.
type dialect struct {
	name   string
	driver string
}

var (
	postgresDialect = dialect{name: "postgres", driver: "pgx"}
	sqliteDialect   = dialect{name: "sqlite", driver: "sqlite"}
)

// dialectFor picks a dialect from a DSN. URLs with a postgres scheme use pgx;
// anything else is treated as a SQLite path or file: URI.
func dialectFor(dsn string) (dialect, string) {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return postgresDialect, dsn
	case strings.HasPrefix(lower, "sqlite://"):
		return sqliteDialect, dsn[len("sqlite://"):]
	default:
		return sqliteDialect, dsn
	}
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d dialect) rebind(q string) string {
	if d.name != postgresDialect.name {
		return q
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(q) + 16)
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// expand fills the type and function placeholders of a statement template.
func (d dialect) expand(q string) string {
	var r *strings.Replacer
	if d.name == postgresDialect.name {
		r = strings.NewReplacer(
			"{{ID}}", "BIGSERIAL PRIMARY KEY",
			"{{TS}}", "TIMESTAMPTZ",
			"{{FLOAT}}", "DOUBLE PRECISION",
			"{{GREATEST}}", "GREATEST",
			"{{LEAST}}", "LEAST",
		)
	} else {
		r = strings.NewReplacer(
			"{{ID}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{TS}}", "TEXT",
			"{{FLOAT}}", "REAL",
			"{{GREATEST}}", "MAX",
			"{{LEAST}}", "MIN",
		)
	}
	return d.rebind(r.Replace(q))
}

// timeArg converts t into a bind argument that orders correctly in SQL.
func (d dialect) timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	if d.name == postgresDialect.name {
		return t.UTC()
	}
	return t.UTC().Format(sqliteTimeLayout)
}

// timeValue scans TIMESTAMPTZ values and SQLite text timestamps alike.
type timeValue struct {
	t *time.Time
}

func (v timeValue) Scan(src any) error {
	switch s := src.(type) {
	case nil:
		*v.t = time.Time{}
	case time.Time:
		*v.t = s.UTC()
	case string:
		return v.parse(s)
	case []byte:
		return v.parse(string(s))
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
	return nil
}

func (v timeValue) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("parse time %q: %w", s, err)
	}
	*v.t = t.UTC()
	return nil
}

var _ driver.Valuer = nullableString("")

// nullableString binds empty strings as NULL.
type nullableString string

func (s nullableString) Value() (driver.Value, error) {
	if s == "" {
		return nil, nil
	}
	return string(s), nil
}
