// Package connection implements the Connection Manager from spec §4.1: a
// GraphQL-over-WebSocket subscription that survives disconnects with
// bounded jittered backoff and hands a lazy sequence of raw messages
// downstream.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/polaris-labs/device-subclient/internal/config"
	"github.com/polaris-labs/device-subclient/internal/record"
)

// State is one of the Connection Manager's lifecycle states, per spec
// §4.1 "State machine".
type State string

const (
	StateIdle           State = "IDLE"
	StateDialing        State = "DIALING"
	StateAuthenticating State = "AUTHENTICATING"
	StateSubscribed     State = "SUBSCRIBED"
	StateDraining       State = "DRAINING"
	StateBackoff        State = "BACKOFF"
)

const (
	ackTimeout      = 10 * time.Second
	idleTimeout     = 30 * time.Second
	pingGrace       = 15 * time.Second
	stableThreshold = 60 * time.Second
)

// RawMessage is an opaque chunk of bytes received from the transport,
// tagged with a receive timestamp and the current subscription session
// id, per spec §3. Payload holds the `payload.data` value of a `next`
// frame — the Connection Manager unwraps the frame envelope before
// handing data downstream, per spec §4.1 step 4.
type RawMessage struct {
	Payload        []byte
	ReceivedAt     time.Time
	SubscriptionID string
}

// Message is what the Connection Manager hands to the Event Normalizer:
// either a RawMessage to classify, or a pre-built Malformed record for
// server error frames, which spec §4.1 step 4 says the manager emits
// directly rather than routing through classification.
type Message struct {
	Raw       *RawMessage
	Malformed *record.Malformed
}

// wsConn is the subset of *websocket.Conn the manager needs, narrowed so
// tests can supply a fake transport.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a WSS connection to url with the graphql-transport-ws
// subprotocol. Satisfied by (*websocket.Dialer).DialContext via the
// adapter in dial.go; overridable in tests.
type Dialer func(ctx context.Context, url string, header http.Header) (wsConn, error)

// Manager runs the graphql-ws reconnect state machine described in
// spec §4.1.
type Manager struct {
	cfg        config.PolarisConfig
	instanceID string
	logger     zerolog.Logger
	dial       Dialer
	rng        *rand.Rand

	state   State
	attempt int
}

// NewManager builds a Manager. dial is typically DefaultDialer; a fake is
// substituted in tests.
func NewManager(cfg config.PolarisConfig, instanceID string, logger zerolog.Logger, dial Dialer) *Manager {
	return &Manager{
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "connection").Logger(),
		dial:       dial,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		state:      StateIdle,
	}
}

// Run drives the reconnect loop until ctx is cancelled, sending every
// classifiable message to out. The send blocks when out is full,
// propagating back-pressure to the socket read loop per spec §5.
func (m *Manager) Run(ctx context.Context, out chan<- Message) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		subscriptionID, connectedAt, fatal := m.connectAndServe(ctx, out)
		_ = subscriptionID

		if fatal != nil {
			m.logger.Error().Err(fatal).Msg("fatal auth error — continuing to reconnect per operator policy")
		}

		if ctx.Err() != nil {
			return nil
		}

		if !connectedAt.IsZero() && time.Since(connectedAt) >= stableThreshold {
			m.attempt = 0
		}

		m.setState(StateBackoff)
		delay := computeBackoff(m.cfg.Reconnect, m.attempt, m.rng)
		m.attempt++
		m.logger.Info().Dur("delay", delay).Int("attempt", m.attempt).Msg("ws_reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// connectAndServe performs one full dial→auth→subscribe→receive cycle.
// It returns the subscription id (if one was established), the instant
// the connection became SUBSCRIBED (zero if never reached), and a
// non-nil error only for conditions worth a distinct log line (the
// caller always reconnects regardless, per spec §4.1 "Reconnects are
// unbounded").
func (m *Manager) connectAndServe(ctx context.Context, out chan<- Message) (subscriptionID string, connectedAt time.Time, fatal error) {
	m.setState(StateDialing)
	conn, err := m.dial(ctx, m.cfg.APIURL, http.Header{})
	if err != nil {
		m.logger.Warn().Err(err).Msg("ws_error")
		return "", time.Time{}, nil
	}
	defer conn.Close()

	m.setState(StateAuthenticating)
	if err := m.handshake(conn); err != nil {
		m.logger.Warn().Err(err).Msg("ws_disconnected")
		return "", time.Time{}, errors.New("auth handshake failed")
	}

	subscriptionID = uuid.New().String()
	subFrame, err := newSubscribeFrame(subscriptionID)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encoding subscribe frame: %w", err)
	}
	if err := writeFrame(conn, subFrame); err != nil {
		m.logger.Warn().Err(err).Msg("ws_disconnected")
		return "", time.Time{}, nil
	}

	m.setState(StateSubscribed)
	connectedAt = time.Now()
	m.logger.Info().Str("subscription_id", subscriptionID).Msg("ws_connected")

	m.receiveLoop(ctx, conn, subscriptionID, out)

	m.setState(StateDraining)
	return subscriptionID, connectedAt, nil
}

// handshake sends connection_init and waits up to ackTimeout for
// connection_ack, per spec §4.1 step 2.
func (m *Manager) handshake(conn wsConn) error {
	initFrame, err := newConnectionInitFrame(m.cfg.APIKey)
	if err != nil {
		return fmt.Errorf("encoding connection_init: %w", err)
	}
	if err := writeFrame(conn, initFrame); err != nil {
		return fmt.Errorf("sending connection_init: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(ackTimeout)); err != nil {
		return fmt.Errorf("setting ack deadline: %w", err)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("waiting for connection_ack: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("parsing connection_ack: %w", err)
	}
	if frame.Type != TypeConnectionAck {
		return fmt.Errorf("expected connection_ack, got %q", frame.Type)
	}
	return conn.SetReadDeadline(time.Time{})
}

type frameEnvelope struct {
	data []byte
	at   time.Time
}

// receiveLoop reads frames until the socket closes, the server sends
// complete, or ctx is cancelled, applying the 30s/15s keepalive from
// spec §4.1 step 5.
func (m *Manager) receiveLoop(ctx context.Context, conn wsConn, subscriptionID string, out chan<- Message) {
	frames := make(chan frameEnvelope, 1)
	readErrs := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErrs <- err
				return
			}
			frames <- frameEnvelope{data: data, at: time.Now()}
		}
	}()

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()
	awaitingPong := false

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrs:
			m.logger.Warn().Err(err).Msg("ws_disconnected")
			return
		case fr := <-frames:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)
			awaitingPong = false

			if done := m.handleFrame(fr, subscriptionID, conn, out); done {
				return
			}
		case <-idle.C:
			if awaitingPong {
				m.logger.Warn().Msg("ws_disconnected: no pong within grace period")
				return
			}
			if err := writeFrame(conn, Frame{Type: TypePing}); err != nil {
				m.logger.Warn().Err(err).Msg("ws_disconnected")
				return
			}
			awaitingPong = true
			idle.Reset(pingGrace)
		}
	}
}

// handleFrame dispatches one inbound frame. It returns true when the
// receive loop should terminate, which happens only on a complete frame;
// a malformed envelope is emitted as a malformed record and the loop
// continues.
func (m *Manager) handleFrame(fr frameEnvelope, subscriptionID string, conn wsConn, out chan<- Message) bool {
	var frame Frame
	if err := json.Unmarshal(fr.data, &frame); err != nil {
		// Not even a valid protocol envelope: still produce exactly one
		// malformed record per spec §3 invariant 1, with the raw bytes
		// received from the transport.
		out <- Message{Malformed: buildMalformed(record.ErrParseError, err.Error(), fr.data, fr.at, m.instanceID, subscriptionID)}
		return false
	}

	switch frame.Type {
	case TypeNext:
		var payload struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			out <- Message{Malformed: buildMalformed(record.ErrParseError, err.Error(), frame.Payload, fr.at, m.instanceID, subscriptionID)}
			return false
		}
		out <- Message{Raw: &RawMessage{
			Payload:        payload.Data,
			ReceivedAt:     fr.at,
			SubscriptionID: subscriptionID,
		}}
		return false

	case TypeError:
		msg := string(frame.Payload)
		out <- Message{Malformed: buildMalformed(record.ErrParseError, msg, frame.Payload, fr.at, m.instanceID, subscriptionID)}
		return false

	case TypeComplete:
		m.logger.Info().Msg("subscription completed by server — reconnecting")
		return true

	case TypePing:
		if err := writeFrame(conn, newPongFrame()); err != nil {
			m.logger.Warn().Err(err).Msg("failed to reply to ping")
		}
		return false

	case TypeConnectionAck, TypePong:
		return false

	default:
		return false
	}
}

func buildMalformed(code record.ErrorCode, message string, raw []byte, at time.Time, instanceID, subscriptionID string) *record.Malformed {
	truncated := len(raw) > record.MaxRawPayloadBytes
	payload := raw
	if truncated {
		payload = raw[:record.MaxRawPayloadBytes]
	}
	now := record.FormatInstant(at)
	return &record.Malformed{
		EventType:  "malformed",
		Timestamp:  now,
		ReceivedAt: now,
		Error: record.ErrorDetail{
			Code:                string(code),
			Message:             message,
			RawPayload:          string(payload),
			RawPayloadTruncated: truncated,
		},
		Source: record.Source{
			InstanceID:     instanceID,
			SubscriptionID: subscriptionID,
		},
	}
}

func writeFrame(conn wsConn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug().Str("from", string(m.state)).Str("to", string(s)).Msg("connection state transition")
	m.state = s
}
