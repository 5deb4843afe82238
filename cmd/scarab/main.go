package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scarab-os/scarab/pkg/archive"
	"github.com/scarab-os/scarab/pkg/config"
	"github.com/scarab-os/scarab/pkg/installer"
	"github.com/scarab-os/scarab/pkg/lock"
	"github.com/scarab-os/scarab/pkg/logging"
	"github.com/scarab-os/scarab/pkg/repo"
	"github.com/scarab-os/scarab/pkg/storage"
	"github.com/scarab-os/scarab/pkg/ui"
	"github.com/scarab-os/scarab/pkg/verify"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}

// app holds what every subcommand shares: the flags of the root command and
// the configuration they resolve to
type app struct {
	configPath string
	verbosity  int

	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "scarab",
		Short: "Package manager for scarab OS",
		Long: `scarab installs prebuilt packages from a remote repository into the root
filesystem, tracks the files each package owns, and builds packages from
Portfiles in the local ports tree.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.SetupLogger(a.verbosity, cmd.ErrOrStderr())
			log.Debug().Str("command", cmd.Name()).Msg("Command started")

			cfg, err := config.Load(a.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			a.cfg = cfg
			a.logger = logging.GetLogger("cli")
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (default "+config.DefaultPath+")")
	root.PersistentFlags().CountVarP(&a.verbosity, "verbose", "v", "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")

	root.AddCommand(
		newInstallCmd(a),
		newRemoveCmd(a),
		newSearchCmd(a),
		newListCmd(a),
		newInfoCmd(a),
		newSyncCmd(a),
		newUpgradeCmd(a),
		newBuildCmd(a),
		newConfigCmd(a),
	)
	return root
}

// openStore creates the state directories and opens the configured backend
func (a *app) openStore(ctx context.Context) (storage.Storage, error) {
	if err := a.cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	return storage.Open(ctx, a.cfg.Backend, a.cfg.DBDir)
}

// readStore opens the configured backend without creating any state
// directories, for commands that only read
func (a *app) readStore(ctx context.Context) (storage.Storage, error) {
	return storage.OpenReadOnly(ctx, a.cfg.Backend, a.cfg.DBDir)
}

// loadDatabase reads a snapshot of the database
func (a *app) loadDatabase(ctx context.Context) (*storage.Database, error) {
	store, err := a.readStore(ctx)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return storage.Load(ctx, store)
}

func (a *app) newInstaller(store storage.Storage, printer *ui.Printer) *installer.Installer {
	return installer.New(
		a.cfg,
		store,
		repo.NewClient(a.cfg, logging.GetLogger("repo")),
		verify.New(logging.GetLogger("verify")),
		archive.New(logging.GetLogger("archive")),
		printer,
		logging.GetLogger("installer"),
	)
}

// locked runs fn while holding the database lock
func (a *app) locked(ctx context.Context, fn func() error) error {
	return lock.With(ctx, a.cfg.GetDirectories().LockFile, a.cfg.LockTimeout, fn)
}
