package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"tgiedit/logger"

	"github.com/spf13/cobra"
)

// Setup logger to log to a file in the same directory as the executable
// Caller must defer logger.Close()
func setupLogger(logLevel string) (*logger.LimitedLogger, error) {
	logPath, err := executableSibling("tgiedit.log")
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	limitedLogger := logger.NewLimitedLogger(f, logger.ParseLogLevel(logLevel))
	log.SetOutput(limitedLogger)
	return limitedLogger, nil
}

// executableSibling returns the path of name next to the executable
func executableSibling(name string) (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("error getting executable path: %w", err)
	}
	return filepath.Join(filepath.Dir(execPath), name), nil
}

func getSocketPath() string {
	path, err := executableSibling("tgiedit.sock")
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func getPidPath() string {
	path, err := executableSibling("tgiedit.pid")
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func isDaemonRunning() (bool, int) {
	data, err := os.ReadFile(getPidPath())
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0
	}

	// Check if process is still running
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}

	// On Unix, Signal(0) checks if process exists
	err = process.Signal(syscall.Signal(0))
	return err == nil, pid
}

func runDaemon(configPath string) error {
	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	limitedLogger, err := setupLogger(config.LogLevel)
	if err != nil {
		return err
	}
	defer limitedLogger.Close()

	logger.Info("config: %s", config)

	daemon := NewDaemon(config)
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("error starting daemon: %w", err)
	}
	return nil
}

func runClient(configPath string) error {
	client := NewClient(configPath)

	if err := client.EnsureDaemonRunning(); err != nil {
		return fmt.Errorf("error ensuring daemon is running: %w", err)
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("error connecting to daemon: %w", err)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	var daemon bool
	var configPath string

	cmd := &cobra.Command{
		Use:   "tgiedit",
		Short: "Stream chat completions from a TGI server into Neovim buffers",
		Long: `tgiedit is started by Neovim as an RPC job. By default it relays stdio to
a shared background daemon, starting the daemon when none is running.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemon {
				return runDaemon(configPath)
			}
			return runClient(configPath)
		},
	}

	cmd.Flags().BoolVar(&daemon, "daemon", false, "run the daemon instead of the stdio relay")
	cmd.Flags().StringVar(&configPath, "config", "", "TOML config file (default $"+configFileEnv+")")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.Error("%v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
