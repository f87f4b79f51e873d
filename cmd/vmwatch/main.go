package main

import (
	"fmt"
	"log"
	"os"

	"github.com/guseggert/vmwatch/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	vmURIFlag := &cli.StringFlag{
		Name:     "vm-uri",
		Usage:    "The VM service WebSocket URI, e.g. ws://127.0.0.1:8181/abcd=/ws.",
		EnvVars:  []string{"VMWATCH_VM_URI"},
		Required: true,
	}
	extensionFlag := &cli.StringFlag{
		Name:     "extension",
		Usage:    "The service extension to call, e.g. ext.flutter.debugPaint.",
		Required: true,
	}

	app := &cli.App{
		Name:  "vmwatch",
		Usage: "supervise a Flutter dev session and watch its Dart VM",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"VMWATCH_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "dev",
				Usage:   "Use human-readable development logging.",
				EnvVars: []string{"VMWATCH_DEV"},
			},
			&cli.StringFlag{
				Name:    "flutter",
				Usage:   "The build tool executable.",
				Value:   config.DefaultDaemon().Command,
				EnvVars: []string{"VMWATCH_FLUTTER"},
			},
			&cli.DurationFlag{
				Name:    "command-timeout",
				Usage:   "How long to wait for a daemon command response.",
				Value:   config.DefaultDaemon().CommandTimeout,
				EnvVars: []string{"VMWATCH_COMMAND_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "request-timeout",
				Usage:   "How long to wait for a VM service response.",
				Value:   config.DefaultVM().RequestTimeout,
				EnvVars: []string{"VMWATCH_REQUEST_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    "heartbeat-interval",
				Usage:   "How often to probe the VM for liveness.",
				Value:   config.DefaultVM().HeartbeatInterval,
				EnvVars: []string{"VMWATCH_HEARTBEAT_INTERVAL"},
			},
			&cli.IntFlag{
				Name:    "max-reconnect-attempts",
				Usage:   "How many times to re-dial a lost VM connection.",
				Value:   config.DefaultVM().MaxReconnectAttempts,
				EnvVars: []string{"VMWATCH_MAX_RECONNECT_ATTEMPTS"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "run the app under the build daemon and watch its VM",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "project",
						Usage: "Directory to search upwards from for pubspec.yaml.",
						Value: ".",
					},
					&cli.StringFlag{
						Name:    "device",
						Usage:   "The device id to run on.",
						EnvVars: []string{"VMWATCH_DEVICE"},
					},
					&cli.StringFlag{
						Name:  "tree-group",
						Usage: "Object group used for widget tree fetches triggered by SIGHUP.",
						Value: "vmwatch",
					},
				},
				Action: func(c *cli.Context) error {
					e, err := newEnv(c)
					if err != nil {
						return err
					}
					defer e.log.Sync()
					return e.run(c.Context, c.String("project"), c.String("device"), c.String("tree-group"))
				},
			},
			{
				Name:  "attach",
				Usage: "watch an already running VM",
				Flags: []cli.Flag{vmURIFlag},
				Action: func(c *cli.Context) error {
					e, err := newEnv(c)
					if err != nil {
						return err
					}
					defer e.log.Sync()
					return e.attach(c.Context, c.String("vm-uri"))
				},
			},
			{
				Name:  "toggle",
				Usage: "flip a boolean service extension and print its new state",
				Flags: []cli.Flag{vmURIFlag, extensionFlag},
				Action: func(c *cli.Context) error {
					e, err := newEnv(c)
					if err != nil {
						return err
					}
					defer e.log.Sync()
					return e.toggle(c.Context, c.String("vm-uri"), c.String("extension"))
				},
			},
			{
				Name:  "dump",
				Usage: "print the text returned by a data-dump service extension",
				Flags: []cli.Flag{vmURIFlag, extensionFlag},
				Action: func(c *cli.Context) error {
					e, err := newEnv(c)
					if err != nil {
						return err
					}
					defer e.log.Sync()
					return e.dump(c.Context, c.String("vm-uri"), c.String("extension"))
				},
			},
			{
				Name:  "tree",
				Usage: "print the widget summary tree as JSON",
				Flags: []cli.Flag{
					vmURIFlag,
					&cli.StringFlag{
						Name:  "group",
						Usage: "The inspector object group to fetch into.",
						Value: "vmwatch",
					},
				},
				Action: func(c *cli.Context) error {
					e, err := newEnv(c)
					if err != nil {
						return err
					}
					defer e.log.Sync()
					return e.tree(c.Context, c.String("vm-uri"), c.String("group"))
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(level string, dev bool) (*zap.SugaredLogger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

func configFromFlags(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	cfg.Daemon.Command = c.String("flutter")
	cfg.Daemon.CommandTimeout = c.Duration("command-timeout")
	cfg.VM.RequestTimeout = c.Duration("request-timeout")
	cfg.VM.HeartbeatInterval = c.Duration("heartbeat-interval")
	cfg.VM.MaxReconnectAttempts = c.Int("max-reconnect-attempts")
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
