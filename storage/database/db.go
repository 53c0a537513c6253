package database

import (
	"context"
	"embed"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/syuukuriimu/student-forum/core"
)

const sqliteDriver = "sqlite"

//go:embed migrations
var migrationsFS embed.FS

func init() {
	sqlx.BindDriver(sqliteDriver, sqlx.QUESTION)
}

func sqliteDSN(path string) string {
	q := make(url.Values)
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if path == ":memory:" {
		return "file::memory:?" + q.Encode()
	}
	return "file:" + filepath.ToSlash(path) + "?" + q.Encode()
}

func postgresDSN(dbName string, conf *core.Config) string {
	sslMode := "require"
	if conf.Database.DisableTLS {
		sslMode = "disable"
	}
	q := make(url.Values)
	q.Set("sslmode", sslMode)
	q.Set("timezone", "utc")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conf.Database.User, conf.Database.Password),
		Host:     conf.Database.Address(),
		Path:     dbName,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func open(dbName string, conf *core.Config) (*sqlx.DB, error) {
	switch conf.Database.Engine {
	case core.EngineSQLite:
		db, err := sqlx.Open(sqliteDriver, sqliteDSN(conf.Database.Path))
		if err != nil {
			return nil, err
		}
		// sqlite serializes writers; a single connection also keeps ":memory:" databases alive
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		return db, nil
	case core.EnginePostgres:
		return sqlx.Open("postgres", postgresDSN(dbName, conf))
	}
	return nil, errors.Errorf("unsupported relational engine %q", conf.Database.Engine)
}

// Open connects to the configured relational database and waits until it answers.
func Open(conf *core.Config) (*sqlx.DB, error) {
	db, err := open(conf.Database.Name, conf)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if err = ping(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenSQLite opens a sqlite file directly, e.g. a legacy database being imported.
func OpenSQLite(path string) (*sqlx.DB, error) {
	conf := core.NewTestConfig()
	conf.Database.Engine = core.EngineSQLite
	conf.Database.Path = path
	return Open(conf)
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(db *sqlx.DB) error {
	var err error
	maxAttempts := 30
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err = db.Ping()
		if err == nil {
			break
		}
		time.Sleep(time.Duration(attempts) * 100 * time.Millisecond)
	}

	if err != nil {
		return errors.Wrap(err, "DB ping timeout")
	}
	return nil
}

// CreateIfNotExist creates the postgres database named in the configuration. Other engines need nothing.
func CreateIfNotExist(conf *core.Config) error {
	if conf.Database.Engine != core.EnginePostgres {
		return nil
	}

	db, err := open("postgres", conf)
	if err != nil {
		return errors.Wrap(err, "opening database")
	}
	defer func() { _ = db.Close() }()
	if err = ping(db); err != nil {
		return errors.Wrap(err, "pinging database")
	}

	var exists bool
	if err = db.Get(&exists, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", conf.Database.Name); err != nil {
		return errors.Wrap(err, "checking DB")
	}
	if !exists {
		// identifiers cannot be bound as parameters
		q := fmt.Sprintf("CREATE DATABASE %q", conf.Database.Name)
		if _, err = db.Exec(q); err != nil {
			return errors.Wrap(err, "creating database")
		}
	}
	return nil
}

// Dialect returns the goose dialect of a relational engine.
func Dialect(engine string) (string, error) {
	switch engine {
	case core.EngineSQLite:
		return "sqlite3", nil
	case core.EnginePostgres:
		return "postgres", nil
	}
	return "", errors.Errorf("no migrations for engine %q", engine)
}

// PrepareMigrations points goose at the embedded migrations of `engine` and returns their directory.
func PrepareMigrations(engine string) (string, error) {
	dialect, err := Dialect(engine)
	if err != nil {
		return "", err
	}
	goose.SetBaseFS(migrationsFS)
	if err = goose.SetDialect(dialect); err != nil {
		return "", errors.Wrap(err, "setting migration dialect")
	}
	return "migrations/" + engine, nil
}

// Migrate applies every pending migration.
func Migrate(db *sqlx.DB, engine string) error {
	dir, err := PrepareMigrations(engine)
	if err != nil {
		return err
	}
	if err = goose.Up(db.DB, dir); err != nil {
		return errors.Wrap(err, "migrating database")
	}
	return nil
}

// Reset drops the forum schema and migrates it again from scratch.
func Reset(db *sqlx.DB, engine string) error {
	dir, err := PrepareMigrations(engine)
	if err != nil {
		return err
	}
	if err = goose.Reset(db.DB, dir); err != nil {
		return errors.Wrap(err, "resetting database")
	}
	return Migrate(db, engine)
}

// Column describes one column of a table.
type Column struct {
	Name     string `db:"name"`
	Type     string `db:"type"`
	NotNull  bool   `db:"notnull"`
	Default  string `db:"dflt_value"`
	Position int    `db:"cid"`
}

func (c Column) String() string {
	s := fmt.Sprintf("%d %s %s", c.Position, c.Name, c.Type)
	if c.NotNull {
		s += " NOT NULL"
	}
	if c.Default != "" {
		s += " DEFAULT " + c.Default
	}
	return s
}

// Columns lists the columns of `table` in declaration order.
func Columns(ctx context.Context, db *sqlx.DB, table string) ([]Column, error) {
	var (
		cols []Column
		err  error
	)
	switch db.DriverName() {
	case sqliteDriver:
		err = db.SelectContext(ctx, &cols, `
			SELECT cid, name, type, "notnull" <> 0 AS "notnull", COALESCE(dflt_value, '') AS dflt_value
			FROM pragma_table_info(?) ORDER BY cid`, table)
	default:
		err = db.SelectContext(ctx, &cols, db.Rebind(`
			SELECT ordinal_position - 1 AS cid, column_name AS name, data_type AS type,
				is_nullable = 'NO' AS "notnull", COALESCE(column_default, '') AS dflt_value
			FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = ?
			ORDER BY ordinal_position`), table)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading columns of %s", table)
	}
	if len(cols) == 0 {
		return nil, errors.Errorf("table %s does not exist", table)
	}
	return cols, nil
}

func hasColumn(cols []Column, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}
