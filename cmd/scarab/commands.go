package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/scarab-os/scarab/pkg/archive"
	"github.com/scarab-os/scarab/pkg/build"
	"github.com/scarab-os/scarab/pkg/installer"
	"github.com/scarab-os/scarab/pkg/logging"
	"github.com/scarab-os/scarab/pkg/repo"
	"github.com/scarab-os/scarab/pkg/selector"
	"github.com/scarab-os/scarab/pkg/storage"
	"github.com/scarab-os/scarab/pkg/ui"
	"github.com/scarab-os/scarab/pkg/upgrade"
)

func newInstallCmd(a *app) *cobra.Command {
	var (
		force  bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "install <package>...",
		Short: "Install packages and their dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := ui.New(cmd.OutOrStdout())
			opts := installer.Options{Force: force}
			if dryRun {
				return a.plan(cmd.Context(), printer, args, opts)
			}
			return a.install(cmd.Context(), printer, args, opts)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Reinstall packages that are already installed")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be installed without changing anything")
	return cmd
}

// install installs names in order under the database lock
func (a *app) install(ctx context.Context, printer *ui.Printer, names []string, opts installer.Options) error {
	defer logging.LogOperationStart(a.logger, "install")()

	return a.locked(ctx, func() error {
		store, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		inst := a.newInstaller(store, printer)
		for _, name := range names {
			if err := inst.Install(ctx, name, opts); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *app) plan(ctx context.Context, printer *ui.Printer, names []string, opts installer.Options) error {
	store, err := a.readStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	inst := a.newInstaller(store, printer)
	for _, name := range names {
		plan, err := inst.Plan(ctx, name, opts)
		if err != nil {
			return err
		}
		if plan.AlreadyInstalled {
			printer.Step("%s is already installed (use -f to force)", ui.Bold(name))
			continue
		}
		printer.Step("Would install %s %s", ui.Bold(plan.Target.Name), plan.Target.Version)
		if len(plan.Dependencies) > 0 {
			deps := make([]string, 0, len(plan.Dependencies))
			for _, d := range plan.Dependencies {
				deps = append(deps, d.Name+" "+d.Version)
			}
			printer.Detail("Dependencies: %s", strings.Join(deps, ", "))
		}
	}
	return nil
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <package>...",
		Aliases: []string{"rm"},
		Short:   "Remove installed packages",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			printer := ui.New(cmd.OutOrStdout())

			return a.locked(ctx, func() error {
				store, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				defer store.Close()

				inst := a.newInstaller(store, printer)
				for _, name := range args {
					if err := inst.Remove(ctx, name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newSearchCmd(a *app) *cobra.Command {
	var pick bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search package names and descriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			printer := ui.New(cmd.OutOrStdout())
			query := args[0]

			db, err := a.loadDatabase(ctx)
			if err != nil {
				return err
			}
			results := db.Search(query)

			if pick {
				chosen, err := selector.SelectPackage(query, results, db.IsInstalled)
				if err != nil {
					return err
				}
				return a.install(ctx, printer, []string{chosen.Name}, installer.Options{})
			}

			if len(results) == 0 {
				printer.Line("No packages found for '%s'", query)
				return nil
			}
			for _, p := range results {
				status := " "
				if db.IsInstalled(p.Name) {
					status = ui.Green("*")
				}
				printer.Line("%s %s/%s %s - %s", status, ui.Dim(p.Category), ui.Bold(p.Name), p.Version, p.Description)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&pick, "select", "s", false, "Pick one of the results interactively and install it")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed packages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := ui.New(cmd.OutOrStdout())

			db, err := a.loadDatabase(cmd.Context())
			if err != nil {
				return err
			}
			installed := db.ListInstalled()
			if len(installed) == 0 {
				printer.Line("No packages installed")
				return nil
			}
			for _, p := range installed {
				line := fmt.Sprintf("%s %-12s %s", ui.Bold(fmt.Sprintf("%-20s", p.Name)), p.Version, p.InstalledAt)
				if db.Orphaned(p.Name) {
					line += " " + ui.Yellow("(not in repository)")
				}
				printer.Line("%s", line)
			}
			return nil
		},
	}
}

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <package>",
		Short: "Show repository details of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := ui.New(cmd.OutOrStdout())

			db, err := a.loadDatabase(cmd.Context())
			if err != nil {
				return err
			}
			p, err := db.Find(args[0])
			if err != nil {
				return err
			}

			field := func(label, value string) {
				printer.Line("%s %s", ui.Bold(fmt.Sprintf("%-14s", label)), value)
			}
			depends := "none"
			if len(p.Depends) > 0 {
				depends = strings.Join(p.Depends, ", ")
			}

			field("Name:", p.Name)
			field("Version:", p.Version)
			field("Category:", p.Category)
			field("Description:", p.Description)
			field("Depends:", depends)
			field("Size:", formatSize(p.Size))
			if inst, ok := db.Installed(p.Name); ok {
				field("Status:", ui.Green("installed")+" ("+inst.Version+")")
				field("Installed at:", inst.InstalledAt)
				field("Files:", strconv.Itoa(len(inst.Files)))
			} else {
				field("Status:", ui.Yellow("not installed"))
			}
			return nil
		},
	}
}

// formatSize renders a byte count published as a plain integer in human
// units and leaves anything else as the repository wrote it
func formatSize(size string) string {
	if size == "" {
		return "unknown"
	}
	if n, err := strconv.ParseUint(size, 10, 64); err == nil {
		return humanize.Bytes(n)
	}
	return size
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Download the package index from the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			printer := ui.New(cmd.OutOrStdout())
			defer logging.LogOperationStart(a.logger, "sync")()

			return a.locked(ctx, func() error {
				printer.Step("Syncing package database...")

				pkgs, err := repo.NewClient(a.cfg, logging.GetLogger("repo")).FetchIndex(ctx)
				if err != nil {
					return err
				}

				store, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				defer store.Close()

				db, err := storage.Load(ctx, store)
				if err != nil {
					return err
				}
				if err := db.ReplaceRepository(ctx, pkgs); err != nil {
					return err
				}

				printer.Detail("%d packages in repository", len(pkgs))
				printer.Step("Database synced")
				return nil
			})
		},
	}
}

func newUpgradeCmd(a *app) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Reinstall packages whose repository version changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			printer := ui.New(cmd.OutOrStdout())

			run := func() error {
				open := a.openStore
				if dryRun {
					open = a.readStore
				}
				store, err := open(ctx)
				if err != nil {
					return err
				}
				defer store.Close()

				inst := a.newInstaller(store, printer)
				planner := upgrade.New(store, inst, logging.GetLogger("upgrade"))
				upgrades, err := planner.Plan(ctx)
				if err != nil {
					return err
				}
				if len(upgrades) == 0 {
					printer.Step("System is up to date")
					return nil
				}
				for _, u := range upgrades {
					printer.Line("  %s %s -> %s", ui.Bold(u.Name), ui.Dim(u.Installed), ui.Green(u.Available))
				}
				if dryRun {
					return nil
				}
				return planner.Apply(ctx, upgrades)
			}

			if dryRun {
				return run()
			}
			return a.locked(ctx, run)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List available upgrades without installing them")
	return cmd
}

func newBuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build <port>",
		Short: "Build a package from its Portfile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			printer := ui.New(cmd.OutOrStdout())
			name := args[0]

			printer.Step("Building %s from Portfile...", ui.Bold(name))
			portfile, err := build.FindPortfile(a.cfg.PortsDir, name)
			if err != nil {
				return err
			}

			builder := build.NewShellBuilder(
				a.cfg,
				repo.NewClient(a.cfg, logging.GetLogger("repo")),
				archive.New(logging.GetLogger("archive")),
				printer,
				logging.GetLogger("build"),
			)
			builder.SetOutput(cmd.OutOrStdout(), cmd.ErrOrStderr())
			_, err = builder.Build(ctx, portfile)
			return err
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printer := ui.New(cmd.OutOrStdout())
			c := a.cfg
			for _, kv := range [][2]string{
				{"root", c.Root},
				{"db_dir", c.DBDir},
				{"cache_dir", c.CacheDir},
				{"ports_dir", c.PortsDir},
				{"repo_url", c.RepoURL},
				{"arch", c.Arch},
				{"backend", c.Backend},
				{"strict_deps", strconv.FormatBool(c.StrictDeps)},
				{"lock_timeout", c.LockTimeout.String()},
			} {
				printer.Line("%-13s %s", kv[0], kv[1])
			}
			return nil
		},
	}
}
