// Package db opens the broker database and manages its schema.
package db

import (
	"database/sql"
	"net/url"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/swapd/build"
)

var log = build.AddSubLogger("DATB")

// DatabaseConfig has all the values we need to connect to a DB
type DatabaseConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Name     string

	// MigrationsPath is a golang-migrate source URL, file: scheme
	// for local migration directories
	MigrationsPath string
}

// DB wraps the sqlx handle together with where its migrations live
type DB struct {
	*sqlx.DB
	MigrationsPath string
}

func (conf DatabaseConfig) dsn() string {
	q := make(url.Values)
	q.Set("sslmode", "disable")
	q.Set("timezone", "utc")

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conf.User, conf.Password),
		Host:     conf.Host + ":" + strconv.Itoa(conf.Port),
		Path:     conf.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Open connects to the database described by the given configuration
func Open(conf DatabaseConfig) (*DB, error) {
	d, err := sqlx.Open("postgres", conf.dsn())
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to database %s as %s on %s:%d",
			conf.Name, conf.User, conf.Host, conf.Port)
	}

	log.WithFields(logrus.Fields{
		"host":     conf.Host,
		"user":     conf.User,
		"database": conf.Name,
	}).Info("Opened connection to DB")

	return &DB{
		DB:             d,
		MigrationsPath: conf.MigrationsPath,
	}, nil
}

// migrator builds a golang-migrate instance over the open connection
func (d *DB) migrator() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(d.DB.DB, &postgres.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "could not get postgres migration driver")
	}
	m, err := migrate.NewWithDatabaseInstance(d.MigrationsPath, "postgres", driver)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read migrations from %s", d.MigrationsPath)
	}
	return m, nil
}

// Reset drops every table and schema and migrates back up to the
// latest version. Destroys all data, dev and test use only.
func (d *DB) Reset() error {
	if err := d.Drop(); err != nil {
		return err
	}
	return d.MigrateUp()
}

// Drop empties the database of all tables and data
func (d *DB) Drop() error {
	m, err := d.migrator()
	if err != nil {
		return err
	}
	return errors.Wrap(m.Drop(), "could not drop database")
}

// VerifyTokensTable checks that the tokens table exists and is queryable.
// A broker without its tokens table would silently accept any party-detail
// submission, so a failed probe is a fatal startup condition.
func (d *DB) VerifyTokensTable() error {
	var one int
	err := d.Get(&one, `SELECT 1 FROM tokens LIMIT 1`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "tokens table is not usable")
	}
	return nil
}

// InsertGetter can get and insert into a db
type InsertGetter interface {
	Getter
	Inserter
}

// Getter can get from a db
type Getter interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
}

// Inserter can insert into a database
type Inserter interface {
	NamedQuery(query string, arg interface{}) (*sqlx.Rows, error)
}
