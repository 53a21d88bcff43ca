package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bitmark-inc/logger"
	"github.com/urfave/cli"

	"stocknity/config"
	"stocknity/services/backend"
)

type metadata struct {
	config  *config.Config
	backend backend.Backend
	verbose bool
	e       io.Writer
	w       io.Writer
}

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "zero"

func main() {
	app := newApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.ErrWriter, "terminated with error: %s\n", err)
		os.Exit(1)
	}
}

func newApp(w, e io.Writer) *cli.App {

	app := cli.NewApp()
	app.Name = "stocknity-cli"
	app.Usage = "inspect and manage the stocknity cache"
	app.Version = version
	app.HideVersion = true

	app.Writer = w
	app.ErrWriter = e

	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: " verbose result",
		},
		cli.BoolFlag{
			Name:  "memory, m",
			Usage: " use an empty in-process backend instead of Redis",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "status",
			Usage:  "show cache freshness per combination and queue depth",
			Action: runStatus,
		},
		{
			Name:      "warm",
			Usage:     "queue a refresh of one combination or of everything",
			ArgsUsage: "\n   (+ = both or neither)",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "index, i",
					Value: "",
					Usage: "+index `NAME`",
				},
				cli.StringFlag{
					Name:  "sector, s",
					Value: "",
					Usage: "+sector `NAME`",
				},
				cli.BoolFlag{
					Name:  "force, f",
					Usage: " clear the cache first and queue everything as urgent",
				},
			},
			Action: runWarm,
		},
		{
			Name:  "clear",
			Usage: "remove cached payloads",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "key, k",
					Value: "",
					Usage: " remove only `KEY`",
				},
				cli.BoolFlag{
					Name:  "tracking, t",
					Usage: " also drop the tracking index",
				},
			},
			Action: runClear,
		},
		{
			Name:  "tracking",
			Usage: "show tracked entries and recent API calls",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "limit, l",
					Value: 20,
					Usage: " number of API calls to show `COUNT`",
				},
			},
			Action: runTracking,
		},
		{
			Name:      "fetch",
			Usage:     "fetch one data type through the cache",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "type, t",
					Value: "screener",
					Usage: "*data `TYPE` [screener|timeseries-returns|sector-averages|derived-score]",
				},
				cli.StringFlag{
					Name:  "index, i",
					Value: "",
					Usage: " index `NAME`",
				},
				cli.StringFlag{
					Name:  "sector, s",
					Value: "",
					Usage: " sector `NAME`",
				},
				cli.StringFlag{
					Name:  "kind, k",
					Value: "",
					Usage: " score `KIND` for derived scores",
				},
				cli.BoolFlag{
					Name:  "rows, r",
					Usage: " print the rows, not just the summary",
				},
			},
			Action: runFetch,
		},
		{
			Name:      "hash-key",
			Usage:     "bcrypt an API key for OPS_API_KEY_HASH",
			ArgsUsage: "KEY",
			Action:    runHashKey,
		},
		{
			Name:  "token",
			Usage: "issue an operator bearer token signed with OPS_JWT_SECRET",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "subject, s",
					Value: "operator",
					Usage: " token `SUBJECT`",
				},
				cli.DurationFlag{
					Name:  "ttl",
					Value: 24 * time.Hour,
					Usage: " token lifetime `DURATION`",
				},
			},
			Action: runToken,
		},
		{
			Name:  "version",
			Usage: "display stocknity-cli version",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "%s\n", version)
				return nil
			},
		},
	}

	app.Before = func(c *cli.Context) error {

		e := c.App.ErrWriter
		w := c.App.Writer
		verbose := c.GlobalBool("verbose")

		// commands that need no configuration
		command := c.Args().Get(0)
		if command == "version" || command == "hash-key" || command == "" || command == "help" {
			return nil
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}

		logConfig := cfg.LoggerConfiguration()
		logConfig.File = "stocknity-cli.log"
		logConfig.Console = verbose
		if err := logger.Initialise(logConfig); err != nil {
			return err
		}

		m := &metadata{
			config:  cfg,
			verbose: verbose,
			e:       e,
			w:       w,
		}
		if command != "token" {
			if c.GlobalBool("memory") {
				cfg.BackendMode = "memory"
			}
			m.backend, err = connect(cfg)
			if err != nil {
				return err
			}
		}
		if verbose {
			fmt.Fprintf(e, "backend: %s\n", cfg.BackendMode)
		}

		c.App.Metadata["config"] = m
		return nil
	}

	app.After = func(c *cli.Context) error {
		m, ok := c.App.Metadata["config"].(*metadata)
		if !ok {
			return nil
		}
		if m.backend != nil {
			m.backend.Close()
		}
		logger.Finalise()
		return nil
	}

	return app
}

func connect(cfg *config.Config) (backend.Backend, error) {
	if cfg.BackendMode == "memory" {
		return backend.NewMemory(), nil
	}
	return backend.NewRedis(backend.RedisConfig{
		URL:          cfg.RedisURL,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     2,
	}, logger.New("redis"))
}

func printJson(handle io.Writer, message interface{}) {
	b, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		fmt.Fprintf(handle, "JSON marshal error: %s\n", err)
		return
	}
	fmt.Fprintf(handle, "%s\n", b)
}
