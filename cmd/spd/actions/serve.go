package actions

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/slashpay/slashpay/api"
	"gitlab.com/slashpay/slashpay/async"
	"gitlab.com/slashpay/slashpay/cmd/spd/flags"
	"gitlab.com/slashpay/slashpay/db"
	"gitlab.com/slashpay/slashpay/drive"
	"gitlab.com/slashpay/slashpay/engine"
	"gitlab.com/slashpay/slashpay/plugins"
	"gitlab.com/slashpay/slashpay/store"
	"gitlab.com/slashpay/slashpay/util"
)

const (
	dbAwaitAttempts = 5
	dbAwaitDuration = time.Second

	shutdownTimeout = 10 * time.Second
)

// Modules is the compiled-in payment plugin table. Builds that ship
// concrete payment methods link their modules in here.
var Modules = map[string]plugins.Module{}

// awaitDb pings the DB until it answers, returning an error if it doesn't
// within a set of attempts
func awaitDb(database *db.DB) error {
	retry := func() bool {
		err := database.Ping()
		if err != nil {
			log.WithError(err).Debug("DB ping failed")
		}
		return err == nil
	}
	return async.Await(dbAwaitAttempts, dbAwaitDuration, retry, "couldn't reach database")
}

// Serve returns the command that runs the payment engine and its REST API
func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the payment engine and its REST API",
		Action: func(c *cli.Context) error {
			conf, err := flags.ReadDbConf(c)
			if err != nil {
				return err
			}
			database, err := db.Open(conf)
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()

			if err := awaitDb(database); err != nil {
				return err
			}
			log.Info("Database is reachable")

			port := c.Int("port")
			driveDir := c.String("drive.dir")
			baseURL := c.String("drive.baseurl")
			if baseURL == "" {
				baseURL = util.GetEnvOrElse("SLASHPAY_BASE_URL",
					fmt.Sprintf("http://localhost:%d/drive", port))
			}

			connector := drive.New(drive.Config{
				Dir:     driveDir,
				BaseURL: baseURL,
			})

			notify := func(ctx context.Context, n plugins.Notification) error {
				log.WithFields(logrus.Fields{
					"type":    n.Type,
					"orderId": n.OrderID,
					"plugin":  n.PluginName,
				}).Info("Notification")
				return nil
			}

			e := engine.New(engine.Config{
				Store:                  store.NewPostgres(database),
				Connector:              connector,
				Modules:                Modules,
				DefaultSendingPriority: c.StringSlice("plugins.priority"),
				Notify:                 notify,
			})
			if err := e.Init(context.Background()); err != nil {
				return err
			}

			a, err := api.NewApp(e, api.Config{
				CORSOrigins: c.StringSlice("cors.origins"),
			})
			if err != nil {
				return err
			}
			// the drive directory is served under the same router the
			// API runs on, so published catalogue URLs resolve
			a.Router.Static("/drive", driveDir)

			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", port),
				Handler: a.Router,
			}

			serveErr := make(chan error, 1)
			go func() {
				log.WithField("addr", srv.Addr).Info("Listening")
				serveErr <- srv.ListenAndServe()
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-serveErr:
				return err
			case sig := <-quit:
				log.WithField("signal", sig.String()).Info("Shutting down")
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				log.WithError(err).Error("Could not shut down HTTP server cleanly")
			}
			return e.Stop(ctx)
		},
	}

	baseFlags := []cli.Flag{
		cli.IntFlag{
			Name:   "port",
			Value:  5000,
			EnvVar: "SLASHPAY_PORT",
			Usage:  "Port number to listen on",
		},
		cli.StringFlag{
			Name:   "drive.dir",
			Value:  "drive-data",
			EnvVar: "SLASHPAY_DRIVE_DIR",
			Usage:  "Directory the transport drive stores its files in",
		},
		cli.StringFlag{
			Name:   "drive.baseurl",
			EnvVar: "SLASHPAY_DRIVE_BASEURL",
			Usage:  "Externally reachable URL prefix the drive directory is served under",
		},
		cli.StringSliceFlag{
			Name:  "plugins.priority",
			Usage: "Default plugin order for orders created without a sending priority",
		},
		cli.StringSliceFlag{
			Name:  "cors.origins",
			Usage: "Origins allowed to call the API from a browser",
		},
	}

	serve.Flags = flags.Concat(baseFlags, flags.Db)
	return serve
}
