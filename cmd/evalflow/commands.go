package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dukex/evalflow/pkg/engine"
	"github.com/dukex/evalflow/pkg/log"
	"github.com/dukex/evalflow/pkg/models"
	"github.com/dukex/evalflow/pkg/pipeline"
	"github.com/dukex/evalflow/pkg/triggers/schedule"
	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
)

func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run requested and scheduled evaluations",
		Flags: withFlags(storageFlags(), busFlags(), pipelineFlags(), taskFlags(-1), []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			&cli.StringFlag{
				Name:    "schedules-file",
				Usage:   "YAML file of cron schedules requesting runs",
				Sources: cli.EnvVars("SCHEDULES_FILE"),
			},
		}),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("evalflow-worker").With("worker_id", workerID)
			logger.InfoContext(ctx, "Initializing evalflow worker")

			rt, err := newRuntime(ctx, command, logger, true, workerID)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			var trigger *schedule.Trigger

			if path := command.String("schedules-file"); path != "" {
				schedules, err := schedule.LoadSchedules(path)
				if err != nil {
					return err
				}

				for _, s := range schedules {
					if err := pipeline.ValidateInput(s.Input); err != nil {
						return fmt.Errorf("schedule %s: %w", s.Name, err)
					}
				}

				trigger, err = schedule.NewTrigger(schedules, rt.bus, logger)
				if err != nil {
					return err
				}
			}

			runner := engine.NewRunner(ctx, rt.engine, rt.machine, logger)

			return NewWorker(workerID, runner, rt.bus, trigger, logger).Start(ctx)
		},
	}
}

func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Serve the HTTP API, running executions in-process",
		Flags: withFlags(storageFlags(), busFlags(), pipelineFlags(), taskFlags(-1), []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		}),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			apiID := "api-" + uuid.New().String()[:8]

			logger := log.WithModule("api").With("api_id", apiID)
			logger.InfoContext(ctx, "Initializing evalflow API")

			rt, err := newRuntime(ctx, command, logger, true, apiID)
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			runner := engine.NewRunner(ctx, rt.engine, rt.machine, logger)

			go func() {
				if _, err := rt.engine.ResumePending(ctx, rt.machine); err != nil {
					logger.ErrorContext(ctx, "Failed to resume pending executions", "error", err)
				}
			}()

			err = NewAPI(logger, rt.persistence, runner).Start(ctx, command.Int("port"))
			runner.Wait()

			return err
		},
	}
}

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Run one evaluation from a JSON input file and print its outcome",
		ArgsUsage: "<input.json>",
		Flags: withFlags(storageFlags(), pipelineFlags(), taskFlags(0), []cli.Flag{
			&cli.StringFlag{
				Name:  "name",
				Usage: "Execution name",
			},
		}),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("run")

			if command.Args().Len() != 1 {
				return cli.Exit("expected exactly one input file", 2)
			}

			input, err := readInput(command.Args().First())
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx, command, logger, false, "")
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			execution, runErr := rt.engine.Start(ctx, rt.machine, engine.StartInput{Name: command.String("name"), Input: input})
			if execution != nil {
				if err := printJSON(command.Root().Writer, summarize(execution)); err != nil {
					return err
				}
			}

			if runErr != nil {
				return fmt.Errorf("%w: %w", errRunFailed, runErr)
			}

			return nil
		},
	}
}

func DefinitionCommand() *cli.Command {
	return &cli.Command{
		Name:  "definition",
		Usage: "Print the evaluation state machine as JSON",
		Flags: pipelineFlags(),
		Action: func(_ context.Context, command *cli.Command) error {
			machine, err := pipeline.Definition(pipelineConfig(command))
			if err != nil {
				return err
			}

			return printJSON(command.Root().Writer, machine)
		},
	}
}

func readInput(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	var input map[string]any

	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("failed to parse input: %w", err)
	}

	if err := pipeline.ValidateInput(input); err != nil {
		return nil, err
	}

	return input, nil
}

type summary struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Status    models.ExecutionStatus `json:"status"`
	Outcome   *models.Outcome        `json:"outcome,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorKind string                 `json:"error_kind,omitempty"`
}

func summarize(execution *models.Execution) summary {
	return summary{
		ID:        execution.ID,
		Name:      execution.Name,
		Status:    execution.Status,
		Outcome:   execution.Outcome,
		Error:     execution.Error,
		ErrorKind: execution.ErrorKind,
	}
}

func printJSON(w io.Writer, value any) error {
	if w == nil {
		w = os.Stdout
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}
