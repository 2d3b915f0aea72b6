package main

import (
	"context"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"tgiedit/buffer"
	"tgiedit/client/openai"
	"tgiedit/engine"

	"github.com/neovim/go-client/nvim"
)

type Daemon struct {
	config      Config
	engine      *engine.Engine
	listener    net.Listener
	socketPath  string
	pidPath     string
	clientCount int64
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewDaemon(config Config) *Daemon {
	client := openai.NewClient(config.APIURL, config.APIKey)
	client.Brotli = config.Brotli

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:     config,
		engine:     engine.NewEngine(client, config.engineConfig()),
		socketPath: getSocketPath(),
		pidPath:    getPidPath(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (d *Daemon) Start() error {
	// Setup logging and PID management
	d.writePidFile()
	defer d.removePidFile()

	// Setup socket
	if err := d.setupSocket(); err != nil {
		return err
	}
	defer d.cleanup()

	log.Printf("daemon listening on socket: %s", d.socketPath)

	d.engine.Start(d.ctx)

	d.setupShutdownHandling()

	go d.acceptConnections()

	go d.monitorIdleShutdown()

	// Wait for shutdown
	<-d.ctx.Done()
	log.Printf("daemon shutting down...")
	return nil
}

func (d *Daemon) setupSocket() error {
	// Remove existing socket
	os.Remove(d.socketPath)

	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return err
	}
	d.listener = listener
	return nil
}

func (d *Daemon) setupShutdownHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Printf("received shutdown signal")
			d.Stop()
		case <-d.ctx.Done():
		}
		signal.Stop(sigChan)
	}()
}

func (d *Daemon) acceptConnections() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return // Server is shutting down
			default:
				log.Printf("error accepting connection: %v", err)
				continue
			}
		}

		atomic.AddInt64(&d.clientCount, 1)
		log.Printf("new client connected, total clients: %d", atomic.LoadInt64(&d.clientCount))
		go d.handleConnection(conn)
	}
}

// handleConnection serves one Neovim instance. Each connection gets its own
// editor so commands write into the instance that sent them.
func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()
	defer func() {
		atomic.AddInt64(&d.clientCount, -1)
		log.Printf("client disconnected, remaining clients: %d", atomic.LoadInt64(&d.clientCount))
	}()

	n, err := nvim.New(conn, conn, conn, log.Printf)
	if err != nil {
		log.Printf("error creating nvim client: %v", err)
		return
	}

	editor := buffer.NewEditor(n, buffer.Config{Center: true})
	if err := d.engine.RegisterHandlers(n, editor); err != nil {
		log.Printf("error registering handlers: %v", err)
		return
	}

	// Serve this connection until it closes or context is done
	select {
	case <-d.ctx.Done():
		return
	default:
		if err := n.Serve(); err != nil && err != io.EOF {
			log.Printf("error serving connection: %v", err)
		}
	}
}

func (d *Daemon) monitorIdleShutdown() {
	// In debug mode, shut down immediately when no clients are connected
	if d.config.DebugImmediateShutdown {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				if atomic.LoadInt64(&d.clientCount) == 0 {
					log.Printf("debug mode: no clients connected, shutting down daemon immediately")
					d.Stop()
					return
				}
			}
		}
	}

	// Normal mode: wait for timeout period before shutting down
	idleTimer := time.NewTimer(30 * time.Second)
	defer idleTimer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-idleTimer.C:
			if atomic.LoadInt64(&d.clientCount) == 0 && d.engine.Active() == nil {
				log.Printf("no clients connected for timeout period, shutting down daemon")
				d.Stop()
				return
			}
		}

		if atomic.LoadInt64(&d.clientCount) == 0 {
			idleTimer.Reset(5 * time.Second)
		} else {
			idleTimer.Reset(30 * time.Second)
		}
	}
}

func (d *Daemon) Stop() {
	d.engine.Stop()
	if d.listener != nil {
		d.listener.Close()
	}
	d.cancel()
}

func (d *Daemon) cleanup() {
	os.Remove(d.socketPath)
}

func (d *Daemon) writePidFile() {
	pid := os.Getpid()
	err := os.WriteFile(d.pidPath, []byte(strconv.Itoa(pid)), 0644)
	if err != nil {
		log.Printf("warning: could not write PID file: %v", err)
	}
	log.Printf("server started with PID %d", pid)
}

func (d *Daemon) removePidFile() {
	if err := os.Remove(d.pidPath); err != nil && !os.IsNotExist(err) {
		log.Printf("warning: could not remove PID file: %v", err)
	}
}
