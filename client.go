package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"tgiedit/logger"
)

// Client relays Neovim's stdio job channel to the shared daemon
type Client struct {
	socketPath string
	configPath string
}

func NewClient(configPath string) *Client {
	return &Client{
		socketPath: getSocketPath(),
		configPath: configPath,
	}
}

func (c *Client) Connect() error {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Relay between stdin/stdout and socket
	go func() {
		io.Copy(conn, os.Stdin)
		conn.Close()
	}()

	io.Copy(os.Stdout, conn)
	return nil
}

func (c *Client) EnsureDaemonRunning() error {
	if running, pid := isDaemonRunning(); running {
		logger.Debug("daemon already running with PID %d", pid)
		return nil
	}
	return c.startDaemon()
}

// daemonArgs returns the argv of the background daemon
func (c *Client) daemonArgs() []string {
	args := []string{os.Args[0], "--daemon"}
	if c.configPath != "" {
		args = append(args, "--config", c.configPath)
	}
	return args
}

func (c *Client) startDaemon() error {
	logger.Debug("starting daemon...")

	// The daemon inherits the environment so TGIEDIT_CONFIG reaches it
	_, err := os.StartProcess(os.Args[0], c.daemonArgs(), &os.ProcAttr{
		Env:   os.Environ(),
		Files: []*os.File{nil, nil, nil},
	})
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	return c.waitForDaemon()
}

// waitForDaemon waits up to five seconds for the socket to accept connections
func (c *Client) waitForDaemon() error {
	for range 50 {
		if conn, err := net.Dial("unix", c.socketPath); err == nil {
			conn.Close()
			logger.Debug("daemon started successfully")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon failed to start within timeout")
}
