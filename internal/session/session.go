// Package session runs one connect-poll-disconnect cycle against a JBD BMS.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bmsbridge/internal/device"
	"github.com/srg/bmsbridge/internal/jbd"
)

// State is the lifecycle position of a Session.
type State int

const (
	Disconnected State = iota
	Connected
	Subscribed
	AwaitingResponse
	// Idle follows a finished exchange while notifications are still subscribed
	Idle
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	case AwaitingResponse:
		return "awaiting_response"
	case Idle:
		return "idle"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// TransportError reports a connect, subscribe or write failure
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PollResult carries whatever a cycle managed to decode. Either field may be
// absent; Basic == nil means the cycle counts as a failure.
type PollResult struct {
	Basic *jbd.BasicMetrics
	Cells jbd.CellVoltages
}

// Options configures a Session
type Options struct {
	Address         string
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration

	// Settle delays give the peripheral's GATT server time to become ready
	ConnectSettle   time.Duration
	SubscribeSettle time.Duration

	// Pair attempts bonding after connect. Failures are ignored.
	Pair bool

	NotifyChar string
	WriteChar  string

	// OnStateChange, if set, observes every transition
	OnStateChange func(from, to State)
}

// Session owns one device exchange cycle. It is not reusable: create a new
// Session per cycle.
type Session struct {
	transport  device.Transport
	opts       Options
	logger     *logrus.Logger
	correlator *Correlator

	mu    sync.Mutex
	state State
}

// New creates a Session in the Disconnected state
func New(transport device.Transport, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.NotifyChar == "" {
		opts.NotifyChar = device.NotifyUUID
	}
	if opts.WriteChar == "" {
		opts.WriteChar = device.WriteUUID
	}
	return &Session{
		transport:  transport,
		opts:       opts,
		logger:     logger,
		correlator: NewCorrelator(transport, opts.WriteChar, logger),
		state:      Disconnected,
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()

	if from == to {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("Session state changed")
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to)
	}
}

// Poll connects, requests BasicInfo then CellInfo, and disconnects.
//
// Response timeouts and undecodable frames leave the corresponding field of
// the result empty. Transport failures, including a link lost while waiting
// for a response, abort the cycle with a *TransportError. The link is always torn down before Poll returns.
func (s *Session) Poll(ctx context.Context) (*PollResult, error) {
	log := s.logger.WithField("address", s.opts.Address)

	subscribed := false
	defer func() {
		s.teardown(subscribed)
	}()

	if err := s.transport.Connect(ctx, s.opts.Address, s.opts.ConnectTimeout); err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	s.setState(Connected)

	if lm, ok := s.transport.(device.LinkMonitor); ok {
		s.correlator.WatchLink(lm.ConnectionContext())
	}

	if s.opts.Pair {
		if err := s.transport.Pair(ctx); err != nil {
			log.WithField("error", err).Debug("Pairing failed, continuing without bond")
		}
	}

	if err := sleep(ctx, s.opts.ConnectSettle); err != nil {
		return nil, err
	}

	if err := s.transport.StartNotify(s.opts.NotifyChar, s.correlator.Deliver); err != nil {
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	subscribed = true
	s.setState(Subscribed)

	if err := sleep(ctx, s.opts.SubscribeSettle); err != nil {
		return nil, err
	}

	result := &PollResult{}

	frame, err := s.exchange(ctx, jbd.BasicInfo)
	if err != nil {
		return nil, err
	}
	if frame != nil {
		basic, decErr := jbd.DecodeBasicInfo(frame)
		if decErr != nil {
			log.WithFields(logrus.Fields{
				"error": decErr,
				"frame": fmt.Sprintf("% x", []byte(frame)),
			}).Warn("BasicInfo response rejected")
		}
		result.Basic = basic
	}

	frame, err = s.exchange(ctx, jbd.CellInfo)
	if err != nil {
		return nil, err
	}
	if frame != nil {
		cells, decErr := jbd.DecodeCellInfo(frame)
		if decErr != nil {
			log.WithFields(logrus.Fields{
				"error": decErr,
				"frame": fmt.Sprintf("% x", []byte(frame)),
			}).Warn("CellInfo response rejected")
		}
		result.Cells = cells
	}

	return result, nil
}

// exchange runs one command. A timeout yields a nil frame and no error.
func (s *Session) exchange(ctx context.Context, cmd jbd.Command) (jbd.Frame, error) {
	s.setState(AwaitingResponse)
	frame, err := s.correlator.SendAndWait(ctx, cmd, s.opts.ResponseTimeout)
	if err != nil && !errors.Is(err, ErrResponseTimeout) {
		return nil, err
	}
	s.setState(Idle)
	return frame, nil
}

func (s *Session) teardown(subscribed bool) {
	if subscribed {
		if err := s.transport.StopNotify(s.opts.NotifyChar); err != nil {
			s.logger.WithField("error", err).Debug("Failed to unsubscribe during teardown")
		}
	}
	if err := s.transport.Disconnect(); err != nil {
		s.logger.WithField("error", err).Debug("Failed to disconnect during teardown")
	}
	s.setState(Disconnected)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
