package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/bmsbridge/internal/device"
	"github.com/srg/bmsbridge/internal/jbd"
	"github.com/srg/bmsbridge/internal/ringchan"
)

// ErrResponseTimeout is returned by SendAndWait when no complete frame
// arrived in time. It matches device.ErrTimeout as well.
var ErrResponseTimeout = fmt.Errorf("no complete response frame: %w", device.ErrTimeout)

const (
	// chunkQueueCap bounds notification chunks buffered between the BLE
	// callback and the correlator
	chunkQueueCap = 64

	// traceCap bounds the raw notification bytes kept for timeout diagnostics
	traceCap = 512
)

// Correlator matches each written command with the next complete response
// frame arriving over notifications.
//
// Deliver is the notification handler. It may be called from any goroutine
// and only copies the chunk into a bounded queue. SendAndWait drains that
// queue and is the sole user of the reassembler, so at most one request may
// be outstanding at a time.
type Correlator struct {
	transport device.Transport
	writeChar string
	logger    *logrus.Logger

	chunks      *ringchan.RingChannel[[]byte]
	reassembler *jbd.Reassembler
	trace       *ringbuffer.RingBuffer

	// link, when set, is cancelled by the transport on link loss
	link context.Context
}

// NewCorrelator creates a correlator writing commands to writeChar
func NewCorrelator(transport device.Transport, writeChar string, logger *logrus.Logger) *Correlator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Correlator{
		transport:   transport,
		writeChar:   writeChar,
		logger:      logger,
		chunks:      ringchan.New[[]byte](chunkQueueCap),
		reassembler: jbd.NewReassembler(),
		trace:       ringbuffer.New(traceCap),
	}
}

// WatchLink makes SendAndWait give up as soon as link is done instead of
// waiting for the response timeout.
func (c *Correlator) WatchLink(link context.Context) {
	c.link = link
}

func (c *Correlator) linkDone() <-chan struct{} {
	if c.link == nil {
		return nil
	}
	return c.link.Done()
}

// Deliver accepts one notification payload. The transport may reuse data
// after the call returns, so it is copied.
func (c *Correlator) Deliver(data []byte) {
	chunk := append([]byte(nil), data...)
	if dropped := c.chunks.Send(chunk); dropped {
		c.logger.WithField("queue_cap", c.chunks.Cap()).Warn("Notification queue full, oldest chunk dropped")
	}
}

// SendAndWait writes cmd and waits up to timeout for the next complete frame.
//
// Notification data received before the write belongs to an earlier exchange
// and is discarded together with any partial frame. The write is attempted
// with acknowledgment first and, if that fails, once more without.
func (c *Correlator) SendAndWait(ctx context.Context, cmd jbd.Command, timeout time.Duration) (jbd.Frame, error) {
	c.discardStale(cmd)

	if err := c.write(cmd); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case chunk := <-c.chunks.C():
			c.record(chunk)
			if frame, ok := c.reassembler.Feed(chunk); ok {
				c.logger.WithFields(logrus.Fields{
					"command": cmd.String(),
					"bytes":   len(frame),
				}).Debug("Response frame received")
				return frame, nil
			}

		case <-timer.C:
			c.logger.WithFields(logrus.Fields{
				"command": cmd.String(),
				"timeout": timeout,
				"partial": fmt.Sprintf("% x", c.reassembler.Pending()),
				"trace":   fmt.Sprintf("% x", c.traceBytes()),
			}).Warn("Timed out waiting for response")
			return nil, fmt.Errorf("%s after %s: %w", cmd, timeout, ErrResponseTimeout)

		case <-c.linkDone():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.WithFields(logrus.Fields{
				"command": cmd.String(),
				"partial": fmt.Sprintf("% x", c.reassembler.Pending()),
			}).Warn("Link lost while waiting for response")
			return nil, &TransportError{Op: "await " + cmd.String(), Err: fmt.Errorf("link lost: %w", context.Cause(c.link))}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Correlator) discardStale(cmd jbd.Command) {
	stale := c.chunks.Drain()
	residual := c.reassembler.Reset()
	if stale > 0 || len(residual) > 0 {
		c.logger.WithFields(logrus.Fields{
			"command":        cmd.String(),
			"stale_chunks":   stale,
			"residual_bytes": fmt.Sprintf("% x", residual),
		}).Debug("Discarded data from a previous exchange")
	}
}

func (c *Correlator) write(cmd jbd.Command) error {
	data := cmd.Bytes()

	err := c.transport.Write(c.writeChar, data, true)
	if err == nil {
		return nil
	}

	c.logger.WithFields(logrus.Fields{
		"command": cmd.String(),
		"error":   err,
	}).Debug("Write with response failed, retrying without response")

	if fallbackErr := c.transport.Write(c.writeChar, data, false); fallbackErr != nil {
		return &TransportError{Op: "write " + cmd.String(), Err: errors.Join(err, fallbackErr)}
	}
	return nil
}

// record keeps the most recent raw bytes for diagnostics
func (c *Correlator) record(chunk []byte) {
	if len(chunk) > c.trace.Capacity() {
		chunk = chunk[len(chunk)-c.trace.Capacity():]
	}
	if need := len(chunk) - (c.trace.Capacity() - c.trace.Length()); need > 0 {
		discard := make([]byte, need)
		_, _ = c.trace.TryRead(discard)
	}
	_, _ = c.trace.Write(chunk)
}

// traceBytes drains the diagnostic trace
func (c *Correlator) traceBytes() []byte {
	buf := make([]byte, c.trace.Length())
	n, err := c.trace.TryRead(buf)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return nil
	}
	return buf[:n]
}
