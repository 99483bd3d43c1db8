package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const configFileName = "config.yaml"

var (
	configPath string
	verbose    bool
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "desfire",
	Short: "Talk to MIFARE DESFire EV1/EV2 cards",
	Long: `desfire drives a MIFARE DESFire card through a PC/SC or libnfc reader:
it reads version data, authenticates with DES, 2K3DES, 3K3DES or AES keys
and reads files over plain, MACed or encrypted channels.

Configuration is read from config.yaml next to the executable, or from the
working directory, unless --config is given.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		opts := &slog.HandlerOptions{Level: level}
		switch logFormat {
		case "json":
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
		case "text":
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
		default:
			return fmt.Errorf("unknown log format %q (want text or json)", logFormat)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: config.yaml next to the binary or in the working directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging (APDU traces)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")

	rootCmd.AddCommand(readersCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(diversifyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("desfire: %v", err)
	}
}

func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return defaultConfigPath()
}

func defaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	exeConfigPath := filepath.Join(filepath.Dir(exePath), configFileName)
	if fileExists(exeConfigPath) {
		return exeConfigPath, nil
	}

	// Fallback for `go run`, where the executable is placed in a temp directory.
	cwd, err := os.Getwd()
	if err != nil {
		return exeConfigPath, nil
	}
	cwdConfigPath := filepath.Join(cwd, configFileName)
	if fileExists(cwdConfigPath) {
		return cwdConfigPath, nil
	}
	return exeConfigPath, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
