package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vk/jobgridgo/internal/app"
	"github.com/vk/jobgridgo/internal/cli"
	"github.com/vk/jobgridgo/internal/model"
	"github.com/vk/jobgridgo/internal/report"
)

// Exit codes beyond the conventional 0/1: a malformed definition is a usage
// error, and an entirely-skipped run is distinguishable from a failed one.
const (
	exitFailed     = 1
	exitValidation = 2
	exitSkipped    = 3
)

// main is the entrypoint for the jobgrid binary.
func main() {
	// Use a minimal logger until the full one is configured.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(os.Stdout, os.Args[1:]); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitFailed)
	}
}

// run encapsulates the main application logic for easier testing and error
// handling. The hosting process exits 0 iff the run status is Succeeded.
func run(outW io.Writer, args []string) error {
	config, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	engine, err := app.NewApp(outW, config, nil)
	if err != nil {
		var validationErr *model.ValidationError
		if errors.As(err, &validationErr) {
			return &cli.ExitError{Code: exitValidation, Message: err.Error()}
		}
		return err
	}

	// A superseding signal cancels the run; instances get their grace
	// period before being forced down.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := engine.Run(ctx)
	if err != nil && rep == nil {
		return err
	}

	switch rep.Status {
	case report.StatusSucceeded:
		return nil
	case report.StatusSkipped:
		return &cli.ExitError{Code: exitSkipped, Message: "run skipped: no instance was eligible to execute"}
	default:
		return &cli.ExitError{Code: exitFailed, Message: "run failed: see report for per-instance detail"}
	}
}
