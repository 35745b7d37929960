package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Midori31/SimpleChatApp/internal/bridge"
	"github.com/Midori31/SimpleChatApp/internal/dispatch"
	"github.com/Midori31/SimpleChatApp/pkg/config"
	"github.com/Midori31/SimpleChatApp/pkg/directory"
)

// closableSink is implemented by every sink the relay hands to the
// directory; Shutdown uses it to tear live connections down.
type closableSink interface {
	directory.Sink
	Close(err error)
}

// App wires the listener, the directory, the dispatcher and the WebSocket
// bridge together and owns their lifecycle.
type App struct {
	logger     *slog.Logger
	config     *config.Config
	dir        *directory.Directory
	dispatcher *dispatch.Dispatcher
	bridge     *bridge.Server

	ln net.Listener
	wg sync.WaitGroup

	ctx context.Context

	// Connections live on their own context so Shutdown can broadcast the
	// farewell notice after the root context is already cancelled.
	connCtx    context.Context
	connCancel context.CancelFunc
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	dir := directory.New(logger)
	dispatcher := dispatch.New(logger, dir)

	connCtx, connCancel := context.WithCancel(context.Background())
	app := &App{
		logger:     logger,
		config:     cfg,
		dir:        dir,
		dispatcher: dispatcher,
		ctx:        rootCtx,
		connCtx:    connCtx,
		connCancel: connCancel,
	}
	if cfg.Server.BridgeAddress != "" {
		app.bridge = bridge.New(logger, connCtx, cfg.Server.BridgeAddress, dir, dispatcher, &app.wg)
	}
	return app
}

// Start binds the listening sockets and spawns the accept loops. Failing to
// bind is the one fatal error path the server has.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.config.Server.Address)
	if err != nil {
		return err
	}
	a.ln = ln
	a.logger.Info("Relay listening", slog.String("addr", ln.Addr().String()))

	go a.acceptLoop()
	if a.bridge != nil {
		if err := a.bridge.Start(); err != nil {
			ln.Close()
			return err
		}
	}
	return nil
}

// Run starts the server and blocks until the root context is cancelled,
// then shuts down gracefully.
func (a *App) Run() error {
	if err := a.Start(); err != nil {
		return err
	}
	<-a.ctx.Done()
	return a.Shutdown()
}

// Addr reports the bound listener address.
func (a *App) Addr() string {
	return a.ln.Addr().String()
}

// acceptLoop runs until the listener is closed. Transient accept errors
// (EMFILE, ECONNABORTED) are logged and retried with backoff instead of
// killing the listener.
func (a *App) acceptLoop() {
	var retryDelay time.Duration
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if retryDelay == 0 {
				retryDelay = 5 * time.Millisecond
			} else {
				retryDelay *= 2
			}
			if retryDelay > time.Second {
				retryDelay = time.Second
			}
			a.logger.Error("Accept failed, retrying",
				slog.Any("error", err),
				slog.Duration("backoff", retryDelay))
			time.Sleep(retryDelay)
			continue
		}
		retryDelay = 0
		go a.handleConn(conn)
	}
}

// graceful shutdown sequence: stop accepting, tell everyone, then drain.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	if a.ln != nil {
		a.ln.Close()
	}

	// Queue the farewell while the write pumps are still alive; closing a
	// connection flushes its queued frames before the socket goes away.
	a.dispatcher.NotifyAll("服务器即将关闭")

	for name, sink := range a.dir.SnapshotSinks() {
		if c, ok := sink.(closableSink); ok {
			a.logger.Debug("Closing connection on shutdown", slog.String("username", name))
			c.Close(errors.New("server shutting down"))
		}
	}

	// Backstop for connections still in admission.
	a.connCancel()

	if a.bridge != nil {
		if err := a.bridge.Shutdown(); err != nil {
			a.logger.Error("Bridge shutdown failed", slog.Any("error", err))
		}
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
