package connection

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polaris-labs/device-subclient/internal/record"
)

// fakeConn is a scripted wsConn used to drive the frame-handling logic
// without a real socket.
type fakeConn struct {
	writes [][]byte
}

func (f *fakeConn) ReadMessage() (int, []byte, error)      { return 0, nil, errors.New("not used in these tests") }
func (f *fakeConn) WriteMessage(_ int, data []byte) error { f.writes = append(f.writes, data); return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error       { return nil }
func (f *fakeConn) Close() error                          { return nil }

func newTestManager() *Manager {
	m := &Manager{
		instanceID: "writer-01",
		logger:     zerolog.Nop(),
		state:      StateIdle,
	}
	return m
}

func TestHandshake_SendsInitAndAcceptsAck(t *testing.T) {
	m := newTestManager()
	conn := &fakeConn{}

	ackFrame, err := json.Marshal(Frame{Type: TypeConnectionAck})
	require.NoError(t, err)

	// handshake reads a single ReadMessage call; swap in a one-shot reader.
	reader := &scriptedReader{fakeConn: conn, response: ackFrame}
	err = m.handshake(reader)
	require.NoError(t, err)
	require.Len(t, conn.writes, 1)

	var sent Frame
	require.NoError(t, json.Unmarshal(conn.writes[0], &sent))
	assert.Equal(t, TypeConnectionInit, sent.Type)
}

func TestHandshake_RejectsWrongFrameType(t *testing.T) {
	m := newTestManager()
	conn := &fakeConn{}
	wrong, _ := json.Marshal(Frame{Type: TypeError})
	reader := &scriptedReader{fakeConn: conn, response: wrong}

	err := m.handshake(reader)
	assert.Error(t, err)
}

// scriptedReader returns one canned response from ReadMessage, delegating
// writes to the embedded fakeConn.
type scriptedReader struct {
	*fakeConn
	response []byte
}

func (s *scriptedReader) ReadMessage() (int, []byte, error) {
	return 0, s.response, nil
}

func TestHandleFrame_Next_ForwardsPayloadData(t *testing.T) {
	m := newTestManager()
	conn := &fakeConn{}
	out := make(chan Message, 1)

	data, _ := json.Marshal(map[string]any{"devices": map[string]any{"id": "dev-1"}})
	frame, _ := json.Marshal(Frame{Type: TypeNext, Payload: mustRaw(map[string]json.RawMessage{"data": data})})

	done := m.handleFrame(frameEnvelope{data: frame, at: time.Now()}, "sub-1", conn, out)
	assert.False(t, done)

	msg := <-out
	require.NotNil(t, msg.Raw)
	assert.JSONEq(t, string(data), string(msg.Raw.Payload))
	assert.Equal(t, "sub-1", msg.Raw.SubscriptionID)
}

func TestHandleFrame_Error_EmitsMalformedParseError(t *testing.T) {
	m := newTestManager()
	conn := &fakeConn{}
	out := make(chan Message, 1)

	frame, _ := json.Marshal(Frame{Type: TypeError, Payload: mustRaw(map[string]string{"message": "bad auth"})})
	done := m.handleFrame(frameEnvelope{data: frame, at: time.Now()}, "sub-1", conn, out)
	assert.False(t, done)

	msg := <-out
	require.NotNil(t, msg.Malformed)
	assert.Equal(t, string(record.ErrParseError), msg.Malformed.Error.Code)
}

func TestHandleFrame_Complete_SignalsReconnect(t *testing.T) {
	m := newTestManager()
	conn := &fakeConn{}
	out := make(chan Message, 1)

	frame, _ := json.Marshal(Frame{Type: TypeComplete})
	done := m.handleFrame(frameEnvelope{data: frame, at: time.Now()}, "sub-1", conn, out)
	assert.True(t, done)
}

func TestHandleFrame_Ping_RepliesPong(t *testing.T) {
	m := newTestManager()
	conn := &fakeConn{}
	out := make(chan Message, 1)

	frame, _ := json.Marshal(Frame{Type: TypePing})
	done := m.handleFrame(frameEnvelope{data: frame, at: time.Now()}, "sub-1", conn, out)
	assert.False(t, done)
	require.Len(t, conn.writes, 1)

	var sent Frame
	require.NoError(t, json.Unmarshal(conn.writes[0], &sent))
	assert.Equal(t, TypePong, sent.Type)
}

func TestHandleFrame_UnparseableEnvelope_EmitsMalformed(t *testing.T) {
	m := newTestManager()
	conn := &fakeConn{}
	out := make(chan Message, 1)

	done := m.handleFrame(frameEnvelope{data: []byte("not json"), at: time.Now()}, "sub-1", conn, out)
	assert.False(t, done)

	msg := <-out
	require.NotNil(t, msg.Malformed)
	assert.Equal(t, string(record.ErrParseError), msg.Malformed.Error.Code)
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
