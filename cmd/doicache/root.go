package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/helixir/doicache/internal/config"
	"github.com/helixir/doicache/internal/observability"
)

const (
	configFlag    = "config"
	envFileFlag   = "env-file"
	cacheRootFlag = "cache-root"
	logLevelFlag  = "log-level"
	promptFlag    = "prompt"

	// runLogAnnotation marks commands whose logs also go to the run log.
	runLogAnnotation = "doicache/run-log"
)

// app carries what every command needs once configuration is loaded.
type app struct {
	v         *viper.Viper
	cfg       *config.Config
	logger    zerolog.Logger
	logOutput io.Writer
	closer    io.Closer
}

// newRootCommand reads flags from the command line, environment variables
// prefixed with DOICACHE, or config.yaml, in that order.
func newRootCommand() *cobra.Command {
	a := &app{v: viper.New(), logger: zerolog.Nop(), logOutput: io.Discard}

	cmd := &cobra.Command{
		Use:   "doicache",
		Short: "Resolve preprints to their published versions and cache every derived artifact",
		Long: `doicache searches the bioRxiv/medRxiv index, resolves every DOI found to its
terminal published version and stores metadata, full-text PDF, TEI markup,
text extracts and an LLM analysis under a content-addressed cache root.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.close()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(configFlag, "", "config file (default: config.yaml in ., ./config or /etc/doicache)")
	flags.String(envFileFlag, ".env", "dotenv file loaded before configuration, if present")
	flags.String(cacheRootFlag, "", "cache root directory")
	flags.String(logLevelFlag, "", "log level (trace, debug, info, warn, error)")
	flags.String(promptFlag, "", "analysis prompt: a path, or a name matched in llm.prompts_dir")
	mustBindPFlag(a.v, "cache.root", flags.Lookup(cacheRootFlag))
	mustBindPFlag(a.v, "logging.level", flags.Lookup(logLevelFlag))
	mustBindPFlag(a.v, "llm.prompt", flags.Lookup(promptFlag))

	cmd.AddCommand(
		newSweepCommand(a),
		newResolveCommand(a),
		newProcessCommand(a),
		newMigrateCommand(a),
		newVersionCommand(),
	)
	return cmd
}

func (a *app) load(cmd *cobra.Command) error {
	envFile, _ := cmd.Flags().GetString(envFileFlag)
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if path, _ := cmd.Flags().GetString(configFlag); path != "" {
		a.v.SetConfigFile(path)
	}

	cfg, err := config.LoadWith(a.v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	lc := observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}
	if cmd.Annotations[runLogAnnotation] != "" {
		lc.File = cfg.Cache.RunLogPath()
	}
	a.logOutput, a.closer = observability.NewWriter(lc)
	a.logger = observability.NewLoggerWithWriter(lc, a.logOutput).
		With().Str("command", cmd.Name()).Logger()
	return nil
}

func (a *app) close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}

// mustBindPFlag binds key to flag and panics on programmer error.
func mustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// Overrides the root hook; no configuration is needed.
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
