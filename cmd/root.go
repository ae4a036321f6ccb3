package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/fieldfixer/internal/config"
	"github.com/andresmejia3/fieldfixer/internal/store"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for the apply and bake commands
type Options struct {
	InputPath  string
	BundlePath string
	OutputPath string
	NumEngines int
	CRF        int
	Codec      string
	PixFmt     string
}

var (
	// DB is the optional run ledger shared by subcommands. It is nil when no
	// database is configured.
	DB *store.Store
	// dbURL is the connection string
	dbURL string
	// configPath points at an optional YAML config file
	configPath string
	// cfg holds file values over built-in defaults
	cfg = config.Default()
)

// Version is the application version.
const Version = "0.1.0"

var errNoLedger = errors.New("no ledger database configured (use --db, ledger.url or POSTGRES_HOST)")

var rootCmd = &cobra.Command{
	Use:     "fieldfixer",
	Short:   "Sidecar fusion and per-frame video correction",
	Version: Version, // This enables the --version flag
	// Commands report their own failures with utils.ShowError; see execute.
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = c
		}

		url := resolveDBURL(dbURL, cfg.Ledger.URL, os.Getenv)
		if url == "" {
			// The ledger is optional; commands that need it check DB.
			return nil
		}

		var err error
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

// resolveDBURL picks the ledger connection string: the --db flag, then the
// config file, then POSTGRES_* environment variables. Empty means no ledger.
func resolveDBURL(flag, fromConfig string, getenv func(string) string) string {
	if flag != "" {
		return flag
	}
	if fromConfig != "" {
		return fromConfig
	}
	host := getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
}

func requireDB() error {
	if DB == nil {
		return errNoLedger
	}
	return nil
}

// overrideInt copies a config value into dst unless the flag was set.
func overrideInt(cmd *cobra.Command, flag string, dst *int, v int) {
	if !cmd.Flags().Changed(flag) {
		*dst = v
	}
}

func overrideString(cmd *cobra.Command, flag string, dst *string, v string) {
	if !cmd.Flags().Changed(flag) {
		*dst = v
	}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := execute(ctx, rootCmd, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// execute runs root and prints only the errors no command has boxed yet.
// A command sets SilenceUsage once its RunE starts, and every RunE failure
// goes through utils.ShowError; flag, argument and PersistentPreRunE errors
// happen earlier and are printed here.
func execute(ctx context.Context, root *cobra.Command, stderr io.Writer) error {
	cmd, err := root.ExecuteContextC(ctx)
	if err != nil && (cmd == nil || !cmd.SilenceUsage) {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the run ledger (optional)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
}
