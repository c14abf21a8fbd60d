package main

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"pkt.systems/psi"
	"pkt.systems/pslog"
)

func main() {
	psi.Run(submain)
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, logger)
	log.SetOutput(pslog.LogLogger(logger).Writer())
	log.SetFlags(0)

	args := applyArgv0Alias(os.Args)
	root := newRootCmd()
	root.SetArgs(args[1:])

	if err := root.ExecuteContext(ctx); err != nil {
		var exit exitCodeError
		if errors.As(err, &exit) {
			return exit.code
		}
		pslog.Ctx(ctx).With("err", err).Error("senseng command failed")
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "senseng",
		Short:         "Sequenced REPL execution engine with console, SSH and HTTP front-ends",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(newReplCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd())

	return root
}

// exitCodeError carries a non-zero session exit status out of a command.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return "exit status " + strconv.Itoa(e.code)
}

func exitStatus(code int) error {
	if code == 0 {
		return nil
	}
	return exitCodeError{code: code}
}

func argv0Alias(base string) string {
	switch base {
	case "senseng-worker":
		return "worker"
	case "senseng-serve", "sensengd":
		return "serve"
	default:
		return ""
	}
}

func applyArgv0Alias(args []string) []string {
	if len(args) == 0 {
		return args
	}
	alias := argv0Alias(filepath.Base(args[0]))
	if alias == "" {
		return args
	}
	out := make([]string, 0, len(args)+1)
	out = append(out, args[0], alias)
	out = append(out, args[1:]...)
	return out
}
