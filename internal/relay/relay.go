// Package relay copies bytes between a client and a backend once login has
// been handed over, without looking at the packets.
package relay

import (
	"io"
	"time"

	"github.com/dcrodman/seatkeeper/internal/core/metrics"
)

// Outcome identifies the side whose stream ended first.
type Outcome int

const (
	ClientDisconnected Outcome = iota
	BackendDisconnected
)

func (o Outcome) String() string {
	if o == ClientDisconnected {
		return "client_disconnected"
	}
	return "backend_disconnected"
}

// Stream is one side of the relay.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

const bufferSize = 32 * 1024

// Run pumps client→backend and backend→client concurrently and returns as
// soon as either direction stops. A read error or EOF on a side counts as that
// side disconnecting; a failed write counts against the side being written to.
// Both streams are closed before Run returns, which unblocks the losing copy.
// A positive idleTimeout treats a side that sends nothing for that long as
// disconnected.
func Run(client, backend Stream, idleTimeout time.Duration) Outcome {
	start := time.Now()
	done := make(chan Outcome, 2)

	go func() {
		done <- pump(backend, client, idleTimeout, "serverbound", ClientDisconnected, BackendDisconnected)
	}()
	go func() {
		done <- pump(client, backend, idleTimeout, "clientbound", BackendDisconnected, ClientDisconnected)
	}()

	outcome := <-done
	_ = client.Close()
	_ = backend.Close()

	metrics.RelayOutcomes.WithLabelValues(outcome.String()).Inc()
	metrics.RelayDuration.Observe(time.Since(start).Seconds())
	return outcome
}

// pump copies src into dst until one of them fails. It reports readClosed when
// src stops and writeClosed when dst refuses a write.
func pump(dst, src Stream, idleTimeout time.Duration, direction string, readClosed, writeClosed Outcome) Outcome {
	counter := metrics.RelayedBytes.WithLabelValues(direction)
	buf := make([]byte, bufferSize)

	for {
		if idleTimeout > 0 {
			_ = src.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return writeClosed
			}
			counter.Add(float64(n))
		}
		if err != nil {
			return readClosed
		}
	}
}
