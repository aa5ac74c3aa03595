// Command evalflow runs the RAG evaluation workflow.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
)

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "evalflow",
		Usage:                 "Evaluate RAG applications and alert on threshold violations",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			WorkerCommand(),
			APICommand(),
			RunCommand(),
			DefinitionCommand(),
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
