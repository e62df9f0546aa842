package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bookmarkd/bookmarkd/internal/config"
	"github.com/bookmarkd/bookmarkd/version"
)

var (
	cfgFile string
	homeDir string
)

var rootCmd = &cobra.Command{
	Use:   "bookmarkd",
	Short: "Reading-progress reconciliation across audiobook, e-reader, and tracker services",
	Long: `bookmarkd keeps one reading position across every service that holds it.

It translates positions between the formats the services speak (audio time
offsets, XPath locators, EPUB CFIs, href + CSS selectors, bare percentages),
decides which service has read furthest, and pushes that position everywhere
else.

The daemon includes:
  - Adapters for an audiobook server, e-reader sync, a Readium-style
    position API, and a metadata tracker
  - A kosync-compatible progress server for devices that push directly
  - Pollers and a websocket event listener to notice movement
  - Background jobs that align audio timelines with book text`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.bookmarkd/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "bookmarkd home directory (default: ~/.bookmarkd)",
	)

	rootCmd.AddCommand(versionCmd)
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
