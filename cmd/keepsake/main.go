package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/keepsakefs/keepsake/internal/config"
	"github.com/keepsakefs/keepsake/internal/event"
	"github.com/keepsakefs/keepsake/internal/group"
	"github.com/keepsakefs/keepsake/internal/tracking"
	"github.com/keepsakefs/keepsake/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// Persistent flags shared by every subcommand.
var (
	configPath string
	stateDir   string
	logFile    string
	verbose    bool
	quiet      bool
)

func run() int {
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:           "keepsake",
		Short:         "Keep backup trees in sync with their masters",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "keepsake %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}

	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	rootCmd.PersistentFlags().
		StringVar(&configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/keepsake/config.toml)")
	rootCmd.PersistentFlags().
		StringVar(&stateDir, "state", "", "tracking state directory (default: $XDG_STATE_HOME/keepsake)")
	rootCmd.PersistentFlags().
		StringVar(&logFile, "log", "", "write structured JSON log to FILE (rotated)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cronCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(historyCmd)

	if err := rootCmd.Execute(); err != nil {
		if exitErr, ok := err.(*exitError); ok {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	return 0
}

// setupLogging installs the process-wide logger: text on stderr at a
// level derived from --verbose/--quiet, plus a rotated JSON file when
// --log is set.
func setupLogging() {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	} else if !quiet {
		logLevel = slog.LevelInfo
	}
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	var logHandler slog.Handler = textHandler
	if logFile != "" {
		jsonHandler := slog.NewJSONHandler(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
			Compress:   true,
		}, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
		logHandler = ui.NewMultiHandler(textHandler, jsonHandler)
	}
	slog.SetDefault(slog.New(logHandler))
}

// openStore opens the tracking database under --state (or the default
// state directory), creating the directory on first use.
func openStore() (*tracking.Store, error) {
	dir := stateDir
	if dir == "" {
		dir = config.StateDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("state directory %s: %w", dir, err)
	}
	return tracking.Open(filepath.Join(dir, "tracking.db"))
}

// selectGroups resolves the named group IDs from the config file.
func selectGroups(args []string) ([]*group.Group, error) {
	file, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	groups := make([]*group.Group, 0, len(args))
	for _, id := range args {
		g, err := file.Lookup(id)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func lookupGroup(id string) (*group.Group, error) {
	file, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return file.Lookup(id)
}

// startPresenter launches the configured presenter over a fresh events
// channel. The returned finish func closes the channel, waits for the
// feed to drain, and prints the summary.
func startPresenter() (chan event.Event, func()) {
	events := make(chan event.Event, 256)
	presenter := ui.NewPresenter(ui.Config{
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
		IsTTY:     ui.IsTTY(os.Stderr.Fd()),
		Quiet:     quiet,
		Verbose:   verbose,
	})

	var runErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = presenter.Run(events)
	}()

	finish := func() {
		close(events)
		wg.Wait()
		if runErr != nil {
			fmt.Fprintf(os.Stderr, "presenter: %v\n", runErr)
		}
		if !quiet {
			if summary := presenter.Summary(); summary != "" {
				fmt.Fprintln(os.Stderr, summary)
			}
		}
	}
	return events, finish
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
