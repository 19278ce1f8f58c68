// Package poller drives the periodic connect-poll-publish loop.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bmsbridge/internal/publish"
	"github.com/srg/bmsbridge/internal/session"
)

// DefaultFailureThreshold is the number of consecutive failed cycles after
// which the device is reported unreachable.
const DefaultFailureThreshold = 5

// Cycle performs one device exchange. *session.Session implements it.
type Cycle interface {
	Poll(ctx context.Context) (*session.PollResult, error)
}

// CycleFactory opens a fresh Cycle for every poll
type CycleFactory func() Cycle

// Config is the runtime config of the poller
type Config struct {
	Interval         time.Duration
	FailureThreshold int
	Prefix           string
}

// Outcome summarizes one cycle
type Outcome struct {
	Attempt   int64
	Result    *session.PollResult
	Err       error
	Published bool

	// Failures is the consecutive failure count after this cycle
	Failures int
}

// Poller runs one cycle per interval until cancelled. Only one cycle runs at
// a time; cycles never overlap.
type Poller struct {
	cfg       Config
	newCycle  CycleFactory
	publisher publish.Publisher
	logger    *logrus.Logger
	now       func() time.Time

	attempts atomic.Int64
	failures atomic.Int32
}

// New creates a poller. publisher may be nil, in which case results are only logged.
func New(cfg Config, newCycle CycleFactory, publisher publish.Publisher, logger *logrus.Logger) (*Poller, error) {
	if newCycle == nil {
		return nil, errors.New("poller: cycle factory required")
	}
	if cfg.Interval <= 0 {
		return nil, errors.New("poller: interval must be > 0")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Poller{
		cfg:       cfg,
		newCycle:  newCycle,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Attempts returns the number of cycles started so far
func (p *Poller) Attempts() int64 {
	return p.attempts.Load()
}

// Failures returns the current consecutive failure count
func (p *Poller) Failures() int {
	return int(p.failures.Load())
}

// Run polls immediately and then after every interval until ctx is done.
// Cycle errors never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.WithFields(logrus.Fields{
		"interval":          p.cfg.Interval,
		"failure_threshold": p.cfg.FailureThreshold,
	}).Info("Polling started")

	for {
		p.RunOnce(ctx)

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.WithField("attempts", p.Attempts()).Info("Polling stopped")
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce performs exactly one cycle: poll, then publish on success.
// A panic inside the cycle is recovered and counted as a failure.
func (p *Poller) RunOnce(ctx context.Context) (out Outcome) {
	out.Attempt = p.attempts.Add(1)
	log := p.logger.WithField("attempt", out.Attempt)

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Warn("Poll cycle panicked")
			out.Err = fmt.Errorf("poll cycle panicked: %v", r)
			out.Published = false
			out.Failures = p.recordFailure(log)
		}
	}()

	result, err := p.newCycle().Poll(ctx)
	out.Result = result
	out.Err = err

	if err != nil && ctx.Err() != nil {
		// Shutdown, not a device failure
		log.WithField("error", err).Debug("Poll cycle interrupted")
		out.Failures = p.Failures()
		return out
	}

	if err != nil {
		log.WithField("error", err).Warn("Poll cycle failed")
	}

	if result == nil || result.Basic == nil {
		out.Failures = p.recordFailure(log)
		return out
	}

	p.failures.Store(0)
	out.Failures = 0

	log.WithFields(logrus.Fields{
		"voltage": result.Basic.Voltage,
		"current": result.Basic.Current,
		"soc":     result.Basic.SoC,
		"cells":   len(result.Cells),
	}).Info("Poll cycle succeeded")

	out.Published = p.publish(ctx, log, result)
	return out
}

func (p *Poller) recordFailure(log *logrus.Entry) int {
	n := int(p.failures.Add(1))
	log.WithField("consecutive_failures", n).Warn("No BasicInfo received")

	if n == p.cfg.FailureThreshold {
		log.WithFields(logrus.Fields{
			"consecutive_failures": n,
			"threshold":            p.cfg.FailureThreshold,
		}).Error("Device unreachable: consecutive poll failures reached threshold")
	}
	return n
}

// publish logs and swallows bus errors; they do not count as device failures
func (p *Poller) publish(ctx context.Context, log *logrus.Entry, result *session.PollResult) bool {
	if p.publisher == nil {
		return false
	}

	msgs, err := publish.Messages(p.cfg.Prefix, result.Basic, result.Cells, p.now())
	if err != nil {
		log.WithField("error", err).Warn("Failed to build metric messages")
		return false
	}
	if err := p.publisher.Publish(ctx, msgs); err != nil {
		log.WithField("error", err).Warn("Failed to publish metrics")
		return false
	}

	log.WithField("messages", len(msgs)).Debug("Metrics published")
	return true
}
