// Package pipeline wires the Connection Manager, Event Normalizer,
// Filter, and Writer into the single back-pressured stream described in
// spec §5: connect → classify → filter → write, with a bounded queue and
// a bounded shutdown drain.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/polaris-labs/device-subclient/internal/connection"
	"github.com/polaris-labs/device-subclient/internal/filter"
	"github.com/polaris-labs/device-subclient/internal/geocode"
	"github.com/polaris-labs/device-subclient/internal/metrics"
	"github.com/polaris-labs/device-subclient/internal/normalizer"
	"github.com/polaris-labs/device-subclient/internal/record"
	"github.com/polaris-labs/device-subclient/internal/writer"
)

// DefaultQueueSize is the bounded channel capacity between the
// Connection Manager and the rest of the pipeline, per spec §5. A full
// queue applies back-pressure by blocking the Connection Manager's
// downstream send, which in turn stops it from reading the next socket
// frame.
const DefaultQueueSize = 1024

// DrainTimeout bounds how long graceful shutdown waits for in-flight
// messages to reach the Writer, per spec §5.
const DrainTimeout = 5 * time.Second

// ConnectionRunner is the subset of *connection.Manager the pipeline
// depends on, narrowed so tests can substitute a fake transport-free
// source of messages.
type ConnectionRunner interface {
	Run(ctx context.Context, out chan<- connection.Message) error
}

// Pipeline owns the queue and runs the four stages until ctx is
// cancelled.
type Pipeline struct {
	conn     ConnectionRunner
	norm     *normalizer.Normalizer
	filt     *filter.Filter
	geo      geocode.Client
	out      writer.Writer
	counters *metrics.Counters
	logger   zerolog.Logger

	// DryRunLimit stops the pipeline after this many messages have been
	// taken off the queue and handled, 0 meaning unlimited, per spec §6's
	// --dry-run flag. Messages the filter drops and messages whose write
	// fails count toward the limit as well, so fewer than DryRunLimit
	// records may reach the Writer.
	DryRunLimit int

	dryRunSatisfied bool
}

// New builds a Pipeline from its already-constructed stages. geo may be
// nil, in which case enrichment is skipped entirely.
func New(conn ConnectionRunner, norm *normalizer.Normalizer, filt *filter.Filter, geo geocode.Client, out writer.Writer, counters *metrics.Counters, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		conn:     conn,
		norm:     norm,
		filt:     filt,
		geo:      geo,
		out:      out,
		counters: counters,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run drives the pipeline until ctx is cancelled, then performs a
// bounded drain of in-flight messages before closing the Writer.
func (p *Pipeline) Run(ctx context.Context) error {
	messages := make(chan connection.Message, DefaultQueueSize)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	connDone := make(chan struct{})
	go func() {
		defer close(connDone)
		if err := p.conn.Run(connCtx, messages); err != nil {
			p.logger.Error().Err(err).Msg("connection manager exited with error")
		}
	}()

	eventCount := 0
	for {
		select {
		case <-ctx.Done():
			cancel()
			drainErr := p.drain(messages, connDone)
			return errors.Join(drainErr, p.out.Close())
		case msg := <-messages:
			p.handle(msg)
			eventCount++
			if p.DryRunLimit > 0 && eventCount >= p.DryRunLimit {
				p.logger.Info().Int("event_count", eventCount).Msg("dry run complete")
				p.dryRunSatisfied = true
				cancel()
				drainErr := p.drain(messages, connDone)
				return errors.Join(drainErr, p.out.Close())
			}
		}
	}
}

// DryRunSatisfied reports whether DryRunLimit messages were handled
// before Run returned. Only meaningful when DryRunLimit > 0; used by the CLI to
// distinguish a completed --dry-run from one cut short by ctx
// cancellation (e.g. a connect-failure timeout), per spec §6's "0 on
// success, 2 on connect failure" exit semantics.
func (p *Pipeline) DryRunSatisfied() bool {
	return p.dryRunSatisfied
}

// errDrainTimeout is returned by drain when DrainTimeout elapses before
// the Connection Manager goroutine exits, so the caller can combine it
// with a subsequent Writer.Close failure via errors.Join rather than
// silently discarding one or the other, per spec §7's shutdown error
// reporting.
var errDrainTimeout = errors.New("shutdown drain deadline exceeded — exiting with the connection still closing")

// drain waits up to DrainTimeout for the Connection Manager goroutine to
// exit (it should stop quickly once its context is cancelled) while
// continuing to process anything already queued, then flushes whatever
// remains in the buffer without blocking, per spec §5.
func (p *Pipeline) drain(messages chan connection.Message, connDone <-chan struct{}) error {
	deadline := time.NewTimer(DrainTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-connDone:
			p.drainBuffered(messages)
			return nil
		case msg := <-messages:
			p.handle(msg)
		case <-deadline.C:
			p.logger.Warn().Msg(errDrainTimeout.Error())
			return errDrainTimeout
		}
	}
}

func (p *Pipeline) drainBuffered(messages chan connection.Message) {
	for {
		select {
		case msg := <-messages:
			p.handle(msg)
		default:
			return
		}
	}
}

// handle normalizes (if needed), enriches, filters, and writes a single
// message.
func (p *Pipeline) handle(msg connection.Message) {
	var event record.Event
	if msg.Malformed != nil {
		event = record.FromMalformed(*msg.Malformed)
	} else {
		event = p.norm.Normalize(*msg.Raw)
	}

	if p.geo != nil {
		event = geocode.Enrich(context.Background(), p.geo, event, p.logger)
	}

	if event.IsMalformed() {
		p.counters.IncMalformed(event.Malformed.Error.Code)
	}

	if !p.filt.Apply(event) {
		p.counters.IncDropped(event.CurrentState())
		return
	}

	if err := p.out.Write(event); err != nil {
		p.counters.IncWriteError()
		p.logger.Error().Err(err).Msg("write_error")
	}
}
