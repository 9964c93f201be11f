package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/filemirror/mirror/mirror"
)

// Exit codes.
const (
	exitFatal    = 1
	exitMismatch = 2
)

var cfgFile string

// Nested keys read from the environment use underscores: MIRROR_LOG_LEVEL.
var envKeyReplacer = strings.NewReplacer(".", "_")

var rootCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Snapshot a directory tree, then verify or merge-repair a tree against it",
	Long: `mirror records a directory tree into a snapshot database:
one record per file and directory, with size, mtime and a content checksum.

A later run walks a tree and reconciles it against the snapshot, either
reporting every divergence (verify) or copying what is missing from a
source tree (merge).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		return setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().SortFlags = false
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $HOME/.config/mirror/config.yaml)")
	rootCmd.PersistentFlags().String("db", "mirror.db", "snapshot database file")
	rootCmd.PersistentFlags().String("encoding", "", "file name encoding of the file system (default: from the locale)")
	rootCmd.PersistentFlags().String("ignore-file", "", "gitignore-style file of paths to leave out")
	rootCmd.PersistentFlags().String("log-level", "info", "console log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-dir", "", "directory for rotating log files")
	rootCmd.PersistentFlags().String("report", "", "write a YAML report of every event to this file")
}

// Execute runs the root command and exits with a status that reflects
// the outcome: 0 clean, 1 fatal error, 2 divergences or failed repairs.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitFatal
}

// exitError ends the process with code without printing anything; the
// details were already logged.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string {
	return e.msg
}

func loadConfig(cmd *cobra.Command) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("find home directory: %w", err)
		}
		viper.AddConfigPath(filepath.Join(home, ".config", "mirror"))
		viper.SetConfigName("config")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	flags := cmd.Flags()
	for key, flag := range map[string]string{
		"db":          "db",
		"encoding":    "encoding",
		"ignore_file": "ignore-file",
		"log.level":   "log-level",
		"log.dir":     "log-dir",
		"report":      "report",
	} {
		if err := bindFlag(flags, key, flag); err != nil {
			return err
		}
	}

	viper.SetEnvPrefix("MIRROR")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()
	return nil
}

func bindFlag(flags *pflag.FlagSet, key, name string) error {
	f := flags.Lookup(name)
	if f == nil {
		return nil
	}
	if err := viper.BindPFlag(key, f); err != nil {
		return fmt.Errorf("bind flag %s: %w", name, err)
	}
	return nil
}

func setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log.level"))); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	dir, err := expandPath(viper.GetString("log.dir"))
	if err != nil {
		return err
	}
	slog.SetDefault(mirror.InitLogger(mirror.LogConfig{Level: level, Dir: dir}))
	if used := viper.ConfigFileUsed(); used != "" {
		slog.Debug("using config file", "path", used)
	}
	return nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	out, err := homedir.Expand(p)
	if err != nil {
		return "", fmt.Errorf("expand %q: %w", p, err)
	}
	return out, nil
}
