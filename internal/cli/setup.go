package cli

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keelclear/keel/internal/config"
	"github.com/keelclear/keel/internal/service"
	"github.com/keelclear/keel/internal/sig"
	"github.com/keelclear/keel/internal/store"
)

// setupLogging configures the default slog logger from the verbose flag.
// Logs go to stderr so JSON output on stdout stays parseable.
func setupLogging(opts *RootOptions) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// newFormatter builds an OutputFormatter wired to the command's writers.
func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// openService opens the database, loads policy and the authority key,
// and assembles the service. The caller owns the returned close func.
func openService(opts *RootOptions) (*service.Service, func(), error) {
	if opts.Database == "" {
		return nil, nil, NewExitError(ExitCommandError, "--db is required")
	}
	if opts.KeyFile == "" {
		return nil, nil, NewExitError(ExitCommandError, "--key is required")
	}

	policy, err := config.Load(opts.Config)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load policy", err)
	}

	authority, err := loadKeyPair(opts.KeyFile)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load authority key", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	svc := service.New(st, authority, policy, slog.Default())
	closeFn := func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}
	return svc, closeFn, nil
}

// loadKeyPair reads a hex private key (seed or full key) from a file.
func loadKeyPair(path string) (*sig.KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return sig.KeyPairFromSeedHex(strings.TrimSpace(string(raw)))
}
