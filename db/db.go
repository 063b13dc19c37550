// Package db manages the Postgres connection and schema migrations for the
// slashpay store.
package db

import (
	"net/url"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/slashpay/slashpay/build"
)

var log = build.AddSubLogger("DBSE")

// DatabaseConfig has all the values we need to connect to a DB
type DatabaseConfig struct {
	User     string `envconfig:"SLASHPAY_DB_USER" default:"slashpay"`
	Password string `envconfig:"SLASHPAY_DB_PASSWORD"`
	Host     string `envconfig:"SLASHPAY_DB_HOST" default:"localhost"`
	Port     int    `envconfig:"SLASHPAY_DB_PORT" default:"5432"`
	// The name of the DB to connect to
	Name string `envconfig:"SLASHPAY_DB_NAME" default:"slashpay"`

	// MigrationsPath is where our migrations are located
	MigrationsPath string `envconfig:"SLASHPAY_DB_MIGRATIONS" default:"file://db/migrations"`
}

// DB is our local DB struct
type DB struct {
	*sqlx.DB
	MigrationsPath string
}

// Open connects to the database described by the given config.
func Open(conf DatabaseConfig) (*DB, error) {
	q := make(url.Values)
	q.Set("sslmode", "disable")
	q.Set("timezone", "utc")

	hostWithPort := conf.Host + ":" + strconv.Itoa(conf.Port)
	databaseURL := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conf.User, conf.Password),
		Host:     hostWithPort,
		Path:     conf.Name,
		RawQuery: q.Encode(),
	}

	d, err := sqlx.Open("postgres", databaseURL.String())
	if err != nil {
		return nil, errors.Wrapf(err,
			"cannot connect to database %s with user %s at %s",
			conf.Name, conf.User, hostWithPort)
	}

	log.WithFields(logrus.Fields{
		"host":     hostWithPort,
		"user":     conf.User,
		"database": conf.Name,
	}).Info("Opened connection to DB")

	return &DB{
		DB:             d,
		MigrationsPath: conf.MigrationsPath,
	}, nil
}
