package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/lazypower/recall/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	logLevel   string
	jsonOutput bool

	cfg    config.Config
	logger *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Relevance engine for agent memories",
	Long: "Recall stores memories with an embedding and keeps their relevance current: " +
		"similarity search, graph expansion, decay, consolidation and feedback.",
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.recall/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(relatedCmd)
	rootCmd.AddCommand(pinCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(decayCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
