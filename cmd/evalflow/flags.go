package main

import (
	"time"

	"github.com/dukex/evalflow/pkg/pipeline"
	cli "github.com/urfave/cli/v3"
)

const (
	defaultPort     = 9091
	defaultLeaseTTL = time.Minute
)

func storageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Execution storage: postgres://... or file://<dir>",
			Value:   "file://./data",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.DurationFlag{
			Name:    "lease-ttl",
			Usage:   "How long a stopped process keeps ownership of its running executions",
			Value:   defaultLeaseTTL,
			Sources: cli.EnvVars("LEASE_TTL"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

func busFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (kafka, gochannel)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
	}
}

func pipelineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "map-concurrency",
			Usage:   "Evaluations run at once by a benchmark sweep",
			Value:   pipeline.DefaultMapConcurrency,
			Sources: cli.EnvVars("MAP_CONCURRENCY"),
		},
		&cli.IntFlag{
			Name:    "poll-max-attempts",
			Usage:   "Crawler status checks before the run fails",
			Value:   pipeline.DefaultCrawlerAttempts,
			Sources: cli.EnvVars("POLL_MAX_ATTEMPTS"),
		},
		&cli.StringFlag{
			Name:    "alert-channel",
			Usage:   "Channel receiving threshold alerts",
			Value:   pipeline.DefaultAlertChannel,
			Sources: cli.EnvVars("ALERT_CHANNEL"),
		},
	}
}

func taskFlags(simulatedPolls int) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "task-endpoint",
			Usage:   "Base URL of the remote task service",
			Sources: cli.EnvVars("TASK_ENDPOINT"),
		},
		&cli.IntFlag{
			Name:    "task-retries",
			Usage:   "Retries of a failed remote task",
			Value:   3,
			Sources: cli.EnvVars("TASK_RETRIES"),
		},
		&cli.StringFlag{
			Name:    "thresholds-url",
			Usage:   "Threshold store: redis://... or a YAML file path",
			Sources: cli.EnvVars("THRESHOLDS_URL"),
		},
		&cli.IntFlag{
			Name:    "simulated-crawler-polls",
			Usage:   "Serve the crawler tasks locally, RUNNING for this many polls (negative disables)",
			Value:   simulatedPolls,
			Sources: cli.EnvVars("SIMULATED_CRAWLER_POLLS"),
		},
	}
}

func withFlags(groups ...[]cli.Flag) []cli.Flag {
	var flags []cli.Flag

	for _, group := range groups {
		flags = append(flags, group...)
	}

	return flags
}

func pipelineConfig(command *cli.Command) pipeline.Config {
	cfg := pipeline.DefaultConfig()

	if command.IsSet("map-concurrency") {
		cfg.MapConcurrency = command.Int("map-concurrency")
	}

	if command.IsSet("poll-max-attempts") {
		cfg.CrawlerPollMaxAttempts = command.Int("poll-max-attempts")
	}

	if command.IsSet("alert-channel") {
		cfg.AlertChannel = command.String("alert-channel")
	}

	return cfg
}
