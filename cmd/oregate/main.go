package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/oregate/internal/config"
	"github.com/MarkoPoloResearchLab/oregate/internal/messages"
	"github.com/MarkoPoloResearchLab/oregate/internal/store"
	"github.com/MarkoPoloResearchLab/oregate/pkg/budget"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagConfig       = "config"
	flagVerbose      = "verbose"
	flagEntries      = "entries"
	flagTargetDriver = "to-driver"
	flagTargetURL    = "to-url"
	flagOverwrite    = "overwrite"

	configKeyConfig  = "config"
	configKeyVerbose = "verbose"

	defaultConfigPath = "oregate/config.yml"
	defaultEntries    = 0
)

// cli carries the shared state of one command invocation.
type cli struct {
	settings   *viper.Viper
	fileSystem afero.Fs
	logger     *zap.Logger
}

func main() {
	cmd := newRootCommand(afero.NewOsFs())
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "oregate: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(fileSystem afero.Fs) *cobra.Command {
	state := &cli{settings: viper.New(), fileSystem: fileSystem}
	cmd := &cobra.Command{
		Use:           "oregate",
		Short:         "Operate the mining budget gate's configuration and records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return state.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if state.logger != nil {
				_ = state.logger.Sync()
			}
		},
	}
	cmd.PersistentFlags().String(flagConfig, defaultConfigPath, "Path to the gate configuration file")
	cmd.PersistentFlags().Bool(flagVerbose, false, "Log at debug level")

	cmd.AddCommand(newConfigCommand(state), newRecordsCommand(state))
	return cmd
}

func (state *cli) load(cmd *cobra.Command) error {
	state.settings.SetEnvPrefix(config.EnvPrefix)
	state.settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	state.settings.AutomaticEnv()
	if err := state.settings.BindPFlag(configKeyConfig, cmd.Flags().Lookup(flagConfig)); err != nil {
		return err
	}
	if err := state.settings.BindPFlag(configKeyVerbose, cmd.Flags().Lookup(flagVerbose)); err != nil {
		return err
	}
	if state.configPath() == "" {
		return fmt.Errorf("config path is required")
	}

	loggerConfig := zap.NewProductionConfig()
	if state.settings.GetBool(configKeyVerbose) {
		loggerConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := loggerConfig.Build()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	state.logger = logger
	return nil
}

func (state *cli) configPath() string {
	return state.settings.GetString(configKeyConfig)
}

func (state *cli) loadConfig(options ...config.LoaderOption) (config.Config, error) {
	return config.NewLoader(state.fileSystem, config.Known{}, state.logger.Named("config"), options...).Load(state.configPath())
}

func (state *cli) openStore(ctx context.Context, loaded config.Config) (budget.Store, error) {
	options := store.Options{Driver: loaded.Storage.Driver, URL: loaded.Storage.URL, FileSystem: state.fileSystem}
	if options.Driver == store.DriverFile && !filepath.IsAbs(options.URL) {
		options.URL = filepath.Join(filepath.Dir(state.configPath()), options.URL)
	}
	return store.Open(ctx, options, state.logger.Named("store"))
}

func newConfigCommand(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the effective configuration and message templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := state.loadConfig()
			if err != nil {
				return err
			}
			messagesPath := loaded.MessagesPath
			if !filepath.IsAbs(messagesPath) {
				messagesPath = filepath.Join(filepath.Dir(state.configPath()), messagesPath)
			}
			messages.Load(state.fileSystem, messagesPath, state.logger.Named("messages"))

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config: %s\nmessages: %s\n", state.configPath(), messagesPath)
			for _, issue := range loaded.Issues {
				fmt.Fprintf(out, "replaced: %v\n", issue)
			}
			return nil
		},
	})
	return cmd
}

func newRecordsCommand(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Read and migrate stored budget records",
	}

	show := &cobra.Command{
		Use:   "show [entity]",
		Short: "Print stored points for one entity or for every entity",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := cmd.Flags().GetInt(flagEntries)
			if err != nil {
				return err
			}
			return state.withStore(cmd.Context(), func(ctx context.Context, recordStore budget.Store) error {
				if len(args) == 0 {
					return showAll(ctx, cmd, recordStore)
				}
				return showOne(ctx, cmd, recordStore, args[0], entries)
			})
		},
	}
	show.Flags().Int(flagEntries, defaultEntries, "Also print this many journal entries, newest first")

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Copy every record from the configured store into another store",
		RunE: func(cmd *cobra.Command, args []string) error {
			targetDriver, _ := cmd.Flags().GetString(flagTargetDriver)
			targetURL, _ := cmd.Flags().GetString(flagTargetURL)
			overwrite, _ := cmd.Flags().GetBool(flagOverwrite)
			if targetURL == "" {
				return fmt.Errorf("--%s is required", flagTargetURL)
			}
			return state.withStore(cmd.Context(), func(ctx context.Context, source budget.Store) error {
				target, err := store.Open(ctx, store.Options{Driver: targetDriver, URL: targetURL, FileSystem: state.fileSystem}, state.logger.Named("target"))
				if err != nil {
					return err
				}
				defer func() { _ = target.Close() }()
				report, err := migrateRecords(ctx, source, target, overwrite)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "copied: %d\nskipped: %d\nunreadable: %d\n", report.copied, report.skipped, len(report.unreadable))
				for _, name := range report.unreadable {
					fmt.Fprintf(cmd.ErrOrStderr(), "unreadable source record: %s\n", name)
				}
				return nil
			})
		},
	}
	migrate.Flags().String(flagTargetDriver, store.DriverGorm, "Target storage driver (file, gorm, pgx)")
	migrate.Flags().String(flagTargetURL, "", "Target storage URL or directory")
	migrate.Flags().Bool(flagOverwrite, false, "Replace records that already exist in the target")

	cmd.AddCommand(show, migrate)
	return cmd
}

func (state *cli) withStore(parent context.Context, run func(ctx context.Context, recordStore budget.Store) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loaded, err := state.loadConfig(config.ReadOnly())
	if err != nil {
		return err
	}
	recordStore, err := state.openStore(ctx, loaded)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = recordStore.Close() }()
	return run(ctx, recordStore)
}

func showAll(ctx context.Context, cmd *cobra.Command, recordStore budget.Store) error {
	lister, ok := recordStore.(budget.RecordLister)
	if !ok {
		return fmt.Errorf("%w: store cannot list records", budget.ErrStoreUnavailable)
	}
	records, err := lister.ListRecords(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, record := range records {
		fmt.Fprintf(out, "%s\t%d\n", record.EntityID, record.Points)
	}
	return nil
}

func showOne(ctx context.Context, cmd *cobra.Command, recordStore budget.Store, rawEntityID string, entries int) error {
	entityID, err := budget.NewEntityID(rawEntityID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	record, err := recordStore.Load(ctx, entityID)
	switch {
	case errors.Is(err, budget.ErrRecordNotFound):
		fmt.Fprintf(out, "%s\tno record\n", entityID)
	case err != nil:
		return err
	default:
		fmt.Fprintf(out, "%s\t%d\n", record.EntityID, record.Points)
	}
	if entries <= 0 {
		return nil
	}
	lister, ok := recordStore.(budget.EntryLister)
	if !ok {
		return fmt.Errorf("%w: store keeps no journal", budget.ErrStoreUnavailable)
	}
	journal, err := lister.ListEntries(ctx, entityID, entries)
	if err != nil {
		return err
	}
	for _, entry := range journal {
		fmt.Fprintf(out, "%d\t%s\t%s\tcost=%d\tafter=%d\t%s\n",
			entry.CreatedUnixUTC, entry.Kind, entry.Material, entry.Cost, entry.PointsAfter, entry.Location)
	}
	return nil
}

type migrateReport struct {
	copied     int
	skipped    int
	unreadable []string
}

func migrateRecords(ctx context.Context, source budget.Store, target budget.Store, overwrite bool) (migrateReport, error) {
	var report migrateReport
	records, unreadable, err := listSource(ctx, source)
	if err != nil {
		return report, err
	}
	report.unreadable = unreadable
	inserter, canInsert := target.(budget.RecordInserter)
	for _, record := range records {
		if overwrite || !canInsert {
			if err := target.Save(ctx, record); err != nil {
				return report, err
			}
			report.copied++
			continue
		}
		err := inserter.InsertRecord(ctx, record)
		switch {
		case errors.Is(err, budget.ErrRecordExists):
			report.skipped++
		case err != nil:
			return report, err
		default:
			report.copied++
		}
	}
	return report, nil
}

func listSource(ctx context.Context, source budget.Store) ([]budget.Record, []string, error) {
	if scanner, ok := source.(budget.RecordScanner); ok {
		return scanner.ScanRecords(ctx)
	}
	lister, ok := source.(budget.RecordLister)
	if !ok {
		return nil, nil, fmt.Errorf("%w: source store cannot list records", budget.ErrStoreUnavailable)
	}
	records, err := lister.ListRecords(ctx)
	return records, nil, err
}
