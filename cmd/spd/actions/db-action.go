// Package actions provides the actions the spd CLI can execute
package actions

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli"

	"gitlab.com/slashpay/slashpay/build"
	"gitlab.com/slashpay/slashpay/cmd/spd/flags"
	"gitlab.com/slashpay/slashpay/db"
)

var log = build.AddSubLogger("ACTN")

func openDb(c *cli.Context) (*db.DB, error) {
	conf, err := flags.ReadDbConf(c)
	if err != nil {
		return nil, err
	}
	return db.Open(conf)
}

// Db returns commands for handling DB access and migrations
func Db() cli.Command {
	return cli.Command{
		Name:  "db",
		Usage: "Database related commands",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:    "up",
				Aliases: []string{"mu"},
				Usage:   "migrates the database up",
				Action: func(c *cli.Context) (err error) {
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()

					err = database.MigrateUp()
					return
				},
			},
			{
				Name:    "down",
				Aliases: []string{"md"},
				Usage:   "down x, migrates the database down x number of steps",
				Action: func(c *cli.Context) (err error) {
					if c.NArg() != 1 {
						return cli.NewExitError(
							"You need to specify a number of steps to migrate down",
							22,
						)
					}
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()
					steps, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return err
					}

					err = database.MigrateDown(steps)
					return
				},
			},
			{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "check migrations status and version number",
				Action: func(c *cli.Context) (err error) {
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()

					status, err := database.Status()
					if err != nil {
						return err
					}

					fmt.Printf("migration version: %d dirty: %t\n", status.Version, status.Dirty)
					return nil
				},
			},
			{
				Name:    "drop",
				Aliases: []string{"dr"},
				Usage:   "drops the entire database.",
				Flags: []cli.Flag{
					cli.BoolFlag{
						Name:  "force",
						Usage: "Don't ask for confirmation before dropping the DB",
					},
				},
				Action: func(c *cli.Context) (err error) {
					database, err := openDb(c)
					if err != nil {
						return err
					}
					defer func() {
						if dbErr := database.Close(); dbErr != nil {
							err = dbErr
						}
					}()

					if !c.Bool("force") {
						fmt.Println("Are you sure you want to drop the entire database? y/n")
						if !askForConfirmation() {
							log.Debug("Not dropping DB")
							return nil
						}
					}
					if err = database.Drop(); err != nil {
						log.WithError(err).Error("Could not drop DB")
						return err
					}

					log.Info("Dropped DB")
					return
				},
			},
		}}
}

func askForConfirmation() bool {
	for {
		var response string
		if _, err := fmt.Scan(&response); err != nil {
			log.Fatal(err)
		}
		switch response {
		case "y", "Y", "yes", "Yes", "YES":
			return true
		case "n", "N", "no", "No", "NO":
			return false
		}
		fmt.Println("Please type yes or no and then press enter:")
	}
}
