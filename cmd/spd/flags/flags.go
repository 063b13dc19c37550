// Package flags provides functionality for managing flags for spd
package flags

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/slashpay/slashpay/db"
)

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat(logging)

// flags belong to a context, and subcommands see their own context first.
// we walk up to the root so flags given at any level are picked up.
func setString(c *cli.Context, name string) (string, bool) {
	for ctx := c; ctx != nil; ctx = ctx.Parent() {
		if ctx.IsSet(name) {
			return ctx.String(name), true
		}
	}
	return "", false
}

func setInt(c *cli.Context, name string) (int, bool) {
	for ctx := c; ctx != nil; ctx = ctx.Parent() {
		if ctx.IsSet(name) {
			return ctx.Int(name), true
		}
	}
	return 0, false
}

// ReadDbConf assembles the DB configuration. The environment
// (SLASHPAY_DB_*) fills the defaults, explicit flags win.
func ReadDbConf(c *cli.Context) (db.DatabaseConfig, error) {
	var conf db.DatabaseConfig
	if err := envconfig.Process("", &conf); err != nil {
		return db.DatabaseConfig{}, err
	}

	if user, ok := setString(c, "db.user"); ok {
		conf.User = user
	}
	if password, ok := setString(c, "db.password"); ok {
		conf.Password = password
	}
	if host, ok := setString(c, "db.host"); ok {
		conf.Host = host
	}
	if port, ok := setInt(c, "db.port"); ok {
		conf.Port = port
	}
	if name, ok := setString(c, "db.name"); ok {
		conf.Name = name
	}
	if migrations, ok := setString(c, "db.migrationspath"); ok {
		conf.MigrationsPath = migrations
	}

	// if no scheme was supplied to migrations path, default to file:
	parsedPath, err := url.Parse(conf.MigrationsPath)
	if err != nil {
		return db.DatabaseConfig{}, fmt.Errorf("could not parse migrations path into URL: %w", err)
	}
	if len(parsedPath.Scheme) == 0 {
		conf.MigrationsPath = path.Join("file:", conf.MigrationsPath)
	}
	return conf, nil
}

// Db is a list of flags that apply to functionality that needs Db access
var Db = []cli.Flag{
	cli.StringFlag{
		Name:  "db.user",
		Usage: "Database user",
	},
	cli.StringFlag{
		Name:  "db.password",
		Usage: "Database password",
	},
	cli.StringFlag{
		Name:  "db.name",
		Usage: "Database name",
	},
	cli.StringFlag{
		Name:  "db.host",
		Usage: "Database host to connect to",
	},
	cli.IntFlag{
		Name:  "db.port",
		Usage: "Database port",
	},
	cli.StringFlag{
		Name:      "db.migrationspath",
		Usage:     `Path to DB migrations. Needs scheme ("file", etc.) in front of path`,
		TakesFile: true,
	},
}

// logging is logging related CLI flags
var logging = []cli.Flag{
	cli.StringFlag{
		Name:  "logging.level",
		Value: logrus.InfoLevel.String(),
		Usage: "Logging level for all subsystems {trace, debug, info, warn, error, fatal}",
	},
	cli.StringFlag{
		Name:      "logging.directory",
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join(dir, "logs")
		}(),
		Usage: "What directory to write log files to",
	},
}
