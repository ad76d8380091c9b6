package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/seatkeeper/internal/core"
	skdebug "github.com/dcrodman/seatkeeper/internal/core/debug"
	"github.com/dcrodman/seatkeeper/internal/core/metrics"
	"github.com/dcrodman/seatkeeper/internal/protocol"
)

// ConnectionHandler handles one accepted client until it is done with it.
type ConnectionHandler interface {
	Handle(ctx context.Context, c *protocol.Conn, entry *logrus.Entry) error
}

// Frontend implements the concurrent client connection logic: it accepts game
// clients and hands each one to the Handler in its own goroutine.
type Frontend struct {
	Config  *core.Config
	Logger  *logrus.Logger
	Handler ConnectionHandler

	listener *net.TCPListener
}

// Start opens the listening socket. A blocking loop for accepting client
// connections is spun off in its own goroutine and added to the WaitGroup.
// Cancelling ctx stops the loop and closes every open client connection.
func (f *Frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	socket, err := f.createSocket()
	if err != nil {
		return fmt.Errorf("error creating socket on %s: %w", f.Config.ListenAddress, err)
	}
	f.listener = socket

	wg.Add(1)
	go f.startBlockingLoop(ctx, socket, wg)
	return nil
}

// Addr returns the address the frontend is listening on once started.
func (f *Frontend) Addr() net.Addr {
	return f.listener.Addr()
}

func (f *Frontend) createSocket() (*net.TCPListener, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", f.Config.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("error resolving address: %w", err)
	}
	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %w", err)
	}
	return socket, nil
}

// startBlockingLoop is purely responsible for accepting new connections and
// spinning off goroutines to handle them. Accept errors are logged and never
// stop the loop; only ctx does.
func (f *Frontend) startBlockingLoop(ctx context.Context, socket *net.TCPListener, wg *sync.WaitGroup) {
	defer wg.Done()

	f.Logger.Infof("waiting for connections on %v", socket.Addr())
	stop := context.AfterFunc(ctx, func() { _ = socket.Close() })
	defer stop()

	clientWg := &sync.WaitGroup{}
	var backoff time.Duration
	for {
		connection, err := socket.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			// Most likely out of file descriptors; wait a moment before trying again.
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			f.Logger.Warnf("failed to accept connection: %v (retrying in %v)", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		clientWg.Add(1)
		go f.acceptClient(ctx, connection, clientWg)
	}

	f.Logger.Info("shutting down (waiting for connections to close)")
	clientWg.Wait()
	f.Logger.Info("frontend exited")
}

// acceptClient runs the Handler for one connection. Whatever happens inside it,
// including a panic, ends only this connection.
func (f *Frontend) acceptClient(ctx context.Context, connection *net.TCPConn, wg *sync.WaitGroup) {
	defer wg.Done()

	_ = connection.SetNoDelay(true)
	c := protocol.NewConn(connection, protocol.Serverbound)
	entry := f.Logger.WithField("remote", c.RemoteAddr().String())
	if f.Config.Debugging.PacketLoggingEnabled {
		c.Tracer = skdebug.PacketTracer(entry, protocol.Serverbound)
	}

	metrics.ConnectionsAccepted.Inc()
	metrics.ActiveConnections.Inc()
	entry.Info("accepted connection")

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer f.closeConnectionAndRecover(entry, c)

	if err := f.Handler.Handle(ctx, c, entry); err != nil {
		metrics.ErrorsTotal.WithLabelValues(errorType(err)).Inc()
		entry.Warnf("connection ended with error: %v", err)
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics and closes
// the client regardless of the state of the connection.
func (f *Frontend) closeConnectionAndRecover(entry *logrus.Entry, c *protocol.Conn) {
	if err := recover(); err != nil {
		metrics.ErrorsTotal.WithLabelValues("panic").Inc()
		entry.Errorf("panic while handling connection: error=%v, trace: %s", err, debug.Stack())
	}
	_ = c.Close()
	metrics.ActiveConnections.Dec()
	entry.Info("disconnected client")
}
