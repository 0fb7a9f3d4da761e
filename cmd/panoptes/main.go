package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"panoptes-go/internal/app"
	"panoptes-go/internal/config"
	"panoptes-go/internal/panoptes"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(panoptes.ExitCode(err))
	}
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	check := cobra.ExactArgs(n)
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return panoptes.E(panoptes.KindUsage, cmd.Name(), err)
		}
		return nil
	}
}

func flagError(cmd *cobra.Command, err error) error {
	return panoptes.E(panoptes.KindUsage, cmd.Name(), err)
}

// loadConfig reads the effective configuration: defaults, then the config
// file, then PANOPTES_* variables, then flags the user actually set.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, "", panoptes.E(panoptes.KindConfig, "defaults", err)
	}

	path := defaults["config_path"]
	if cmd.Flags().Changed("config") {
		path, _ = cmd.Flags().GetString("config")
	}

	cfg, err := app.LoadConfig(path, defaults["data_dir"], os.Getenv)
	if err != nil {
		return nil, "", err
	}
	applyFlags(cmd, cfg)
	return cfg, path, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("jobs") {
		cfg.MaxJobs, _ = flags.GetInt("jobs")
	}
	if flags.Changed("debounce-ms") {
		cfg.Watch.DebounceMS, _ = flags.GetInt("debounce-ms")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("auto-rename") {
		cfg.Naming.AutoRename, _ = flags.GetBool("auto-rename")
	}
}

// withApp builds an App for one command, runs fn and closes the App.
// operation identifies the CLI command in the log.
func withApp(cmd *cobra.Command, operation string, opts app.Options, fn func(context.Context, *app.App) error) (err error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.Watch {
		args := cmd.Flags().Args()
		if len(args) > 0 {
			cfg.Watch.Paths = args
		}
	}

	a, err := app.New(cfg, operation, opts)
	if err != nil {
		return err
	}
	defer func() {
		a.Finish(err)
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var rootCmd = &cobra.Command{
	Use:          "panoptes",
	Short:        "Watch directories and catalog incoming files",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		path := defaults["config_path"]
		if cmd.Flags().Changed("config") {
			path, _ = cmd.Flags().GetString("config")
		}

		cfg := config.Default(defaults["data_dir"])
		if err := config.Init(path, cfg); err != nil {
			return panoptes.PathError(panoptes.KindConfig, "init config", path, err)
		}

		fmt.Printf("Configuration initialized at %s\n", path)
		fmt.Printf("Data Dir: %s\n", defaults["data_dir"])
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return panoptes.E(panoptes.KindConfig, "validate config", err)
		}

		fmt.Printf("# effective configuration (file: %s)\n", path)
		m := &config.Manager{}
		return m.Write(os.Stdout, cfg)
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch [DIR...]",
	Short: "Watch directories and analyze files as they change",
	RunE: func(cmd *cobra.Command, args []string) error {
		serve, _ := cmd.Flags().GetString("serve")
		return withApp(cmd, "watch", app.Options{Watch: true}, func(ctx context.Context, a *app.App) error {
			if len(a.Config().Watch.Paths) == 0 {
				return panoptes.E(panoptes.KindConfig, "watch", fmt.Errorf("no directories to watch"))
			}
			return a.Watch(ctx, serve)
		})
	},
}

// scan command
var scanCmd = &cobra.Command{
	Use:   "scan DIR",
	Short: "Analyze every file under a directory once",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "scan", app.Options{}, func(ctx context.Context, a *app.App) error {
			start := time.Now()
			n, err := a.Scan(ctx, args[0])
			if err != nil {
				return err
			}
			st, err := a.Pipeline().Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Scanned %d file(s) in %s: %d analyzed, %d skipped, %d failed\n",
				n, time.Since(start).Truncate(time.Millisecond), st.Processed, st.Skipped, st.Failed)
			return nil
		})
	},
}

func printFiles(files []*panoptes.FileRecord) {
	if len(files) == 0 {
		fmt.Println("No files found.")
		return
	}
	for _, f := range files {
		analyzed := "-"
		if f.AnalyzedAt != nil {
			analyzed = f.AnalyzedAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%s  %10d  %-10s  %s\n", analyzed, f.Size, f.Analyzer, f.Path)
	}
}

// search command
var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Find files whose path or name contains QUERY",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "search", app.Options{}, func(ctx context.Context, a *app.App) error {
			files, err := a.Store().SearchFiles(ctx, args[0])
			if err != nil {
				return err
			}
			printFiles(files)
			return nil
		})
	},
}

// files command
var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List recently analyzed files",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, "files", app.Options{}, func(ctx context.Context, a *app.App) error {
			files, err := a.Pipeline().ListRecent(ctx, limit)
			if err != nil {
				return err
			}
			printFiles(files)
			return nil
		})
	},
}

// tags command
var tagsCmd = &cobra.Command{
	Use:   "tags",
	Short: "List tags",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "tags", app.Options{}, func(ctx context.Context, a *app.App) error {
			tags, err := a.Store().ListTags(ctx)
			if err != nil {
				return err
			}
			if len(tags) == 0 {
				fmt.Println("No tags.")
				return nil
			}
			for _, t := range tags {
				color := t.Color
				if color == "" {
					color = "-"
				}
				fmt.Printf("%-24s  %s\n", t.Name, color)
			}
			return nil
		})
	},
}

// categories command
var categoriesCmd = &cobra.Command{
	Use:   "categories",
	Short: "List categories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "categories", app.Options{}, func(ctx context.Context, a *app.App) error {
			cats, err := a.Store().ListCategories(ctx)
			if err != nil {
				return err
			}
			if len(cats) == 0 {
				fmt.Println("No categories.")
				return nil
			}
			for _, c := range cats {
				fmt.Println(c.Path)
			}
			return nil
		})
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View recorded file operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withApp(cmd, "history", app.Options{}, func(ctx context.Context, a *app.App) error {
			entries, err := a.Pipeline().History(limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No operations recorded.")
				return nil
			}
			for _, e := range entries {
				state := "        "
				if e.Undone {
					state = "[undone]"
				}
				fmt.Printf("%s  %-8s  %-10s  %s  %s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"),
					shortID(e.ID),
					e.Operation.Type,
					state,
					e.Description,
				)
			}
			return nil
		})
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// undo command
var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Reverse the most recent operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("count")
		return withApp(cmd, "undo", app.Options{}, func(ctx context.Context, a *app.App) error {
			undone, err := a.Pipeline().UndoLast(ctx, n)
			for _, id := range undone {
				fmt.Printf("Undid %s\n", shortID(id))
			}
			if err != nil {
				return err
			}
			if len(undone) == 0 {
				fmt.Println("Nothing to undo.")
			}
			return nil
		})
	},
}

// stats command
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store and journal statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "stats", app.Options{}, func(ctx context.Context, a *app.App) error {
			st, err := a.Pipeline().Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

// trash command
var trashCmd = &cobra.Command{
	Use:   "trash PATH",
	Short: "Move a file to the trash directory (reversible with undo)",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "trash", app.Options{}, func(ctx context.Context, a *app.App) error {
			backup, err := a.Trash(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Moved %s to %s\n", args[0], backup)
			return nil
		})
	},
}

func init() {
	rootCmd.SetFlagErrorFunc(flagError)
	rootCmd.PersistentFlags().String("config", "", "Config file (default $PANOPTES_CONFIG_PATH or ~/.config/panoptes.toml)")
	rootCmd.PersistentFlags().String("log-level", "", "Minimum log level: debug, info, warn, error")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("serve", "", "Serve the HTTP control API on this address")
	watchCmd.Flags().IntP("jobs", "j", 0, "Maximum concurrent analyses")
	watchCmd.Flags().Int("debounce-ms", 0, "Debounce window in milliseconds")
	watchCmd.Flags().Bool("auto-rename", false, "Rename files to their suggested names")
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().IntP("jobs", "j", 0, "Maximum concurrent analyses")
	scanCmd.Flags().Bool("auto-rename", false, "Rename files to their suggested names")
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(filesCmd)
	filesCmd.Flags().IntP("limit", "n", 20, "Maximum number of files to show")
	rootCmd.AddCommand(tagsCmd)
	rootCmd.AddCommand(categoriesCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of operations to show")
	rootCmd.AddCommand(undoCmd)
	undoCmd.Flags().IntP("count", "n", 1, "Number of operations to undo")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(trashCmd)
	rootCmd.AddCommand(dbCmd)
}
