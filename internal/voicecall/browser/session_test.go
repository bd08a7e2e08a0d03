package browser

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voice-server/internal/observability"
	"voice-server/internal/voice/audio"
	"voice-server/internal/voice/transport"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newConnPair upgrades one WebSocket connection against an in-process server
// and returns both ends.
func newConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server := <-serverSide:
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side of the connection never arrived")
		return nil, nil
	}
}

func newTestSession(t *testing.T) (*Session, *websocket.Conn) {
	t.Helper()
	server, client := newConnPair(t)
	sess := NewSession(server, Config{Logger: observability.NewLogger(), AcceptTimeout: 2 * time.Second})
	t.Cleanup(func() { sess.Hangup(context.Background(), "test cleanup") })
	return sess, client
}

// startSession performs the start handshake and returns the call id the
// client received in the acknowledgement.
func startSession(t *testing.T, sess *Session, client *websocket.Conn) string {
	t.Helper()
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"start"}`)))
	require.NoError(t, sess.Accept(context.Background()))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	var ack controlMessage
	require.NoError(t, json.Unmarshal(raw, &ack))
	require.Equal(t, typeStart, ack.Type)
	return ack.CallID
}

func nextEvent(t *testing.T, sess *Session) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a transport event")
		return transport.Event{}
	}
}

func requireEventsClosed(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case _, ok := <-sess.Events():
		require.False(t, ok, "expected the event stream to be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("event stream never closed")
	}
}

func readControl(t *testing.T, client *websocket.Conn) controlMessage {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := client.ReadMessage()
	require.NoError(t, err)
	var msg controlMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestAcceptAcknowledgesStartWithCallID(t *testing.T) {
	sess, client := newTestSession(t)
	callID := startSession(t, sess, client)

	assert.NotEmpty(t, callID)
	assert.Equal(t, sess.CallID(), callID)
	assert.Equal(t, transport.StateActive, sess.State())
	assert.Equal(t, audio.PCM16x16k, sess.Format())
}

func TestAcceptRejectsBinaryHandshake(t *testing.T) {
	sess, client := newTestSession(t)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))

	err := sess.Accept(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary frame")
}

func TestAcceptRejectsUnexpectedControlType(t *testing.T) {
	sess, client := newTestSession(t)
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"dtmf","digit":"1"}`)))

	err := sess.Accept(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected handshake message")
}

func TestBinaryFramesBecomeCallerAudio(t *testing.T) {
	sess, client := newTestSession(t)
	startSession(t, sess, client)

	first := []byte{0x01, 0x00, 0x02, 0x00}
	second := []byte{0x03, 0x00}
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, first))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, second))

	ev := nextEvent(t, sess)
	require.Equal(t, transport.EventAudio, ev.Type)
	assert.Equal(t, first, ev.Audio.Data)
	assert.Equal(t, audio.PCM16x16k, ev.Audio.Format)
	assert.Equal(t, uint64(1), ev.Audio.Seq)
	assert.Equal(t, audio.SourceCaller, ev.Audio.Source)

	ev = nextEvent(t, sess)
	assert.Equal(t, second, ev.Audio.Data)
	assert.Equal(t, uint64(2), ev.Audio.Seq)
}

func TestDTMFControlDelivered(t *testing.T) {
	sess, client := newTestSession(t)
	startSession(t, sess, client)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"dtmf","digit":"#"}`)))

	ev := nextEvent(t, sess)
	require.Equal(t, transport.EventDTMF, ev.Type)
	assert.Equal(t, "#", ev.Digit)
}

func TestStopEndsSession(t *testing.T) {
	sess, client := newTestSession(t)
	startSession(t, sess, client)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)))

	ev := nextEvent(t, sess)
	assert.Equal(t, transport.EventHangup, ev.Type)
	assert.Equal(t, transport.StateEnded, sess.State())
	requireEventsClosed(t, sess)
}

func TestClientDisconnectEmitsLost(t *testing.T) {
	sess, client := newTestSession(t)
	startSession(t, sess, client)

	require.NoError(t, client.Close())

	ev := nextEvent(t, sess)
	require.Equal(t, transport.EventLost, ev.Type)
	assert.True(t, errors.Is(ev.Err, transport.ErrTransportLost))
	requireEventsClosed(t, sess)
}

func TestSendAudioReachesClientAsBinary(t *testing.T) {
	sess, client := newTestSession(t)
	startSession(t, sess, client)

	data := []byte{0x10, 0x00, 0x20, 0x00}
	require.NoError(t, sess.SendAudio(audio.Frame{Data: data, Format: audio.PCM16x16k, Source: audio.SourceAgent}))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	messageType, raw, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, messageType)
	assert.Equal(t, data, raw)
}

func TestSendTranscriptReachesClient(t *testing.T) {
	sess, client := newTestSession(t)
	startSession(t, sess, client)

	require.NoError(t, sess.SendTranscript(context.Background(), "assistant", "Hello there"))

	msg := readControl(t, client)
	assert.Equal(t, typeTranscript, msg.Type)
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "Hello there", msg.Text)
}

func TestInterruptPlaybackSendsClear(t *testing.T) {
	sess, client := newTestSession(t)
	startSession(t, sess, client)

	require.NoError(t, sess.InterruptPlayback(context.Background()))

	msg := readControl(t, client)
	assert.Equal(t, typeClear, msg.Type)
}

func TestSendTranscriptRejectedBeforeAccept(t *testing.T) {
	server, _ := newConnPair(t)
	sess := NewSession(server, Config{Logger: observability.NewLogger()})
	t.Cleanup(func() { sess.Hangup(context.Background(), "test cleanup") })

	err := sess.SendTranscript(context.Background(), "user", "hello")
	assert.True(t, errors.Is(err, transport.ErrNotActive))
}

func TestHangupIsIdempotent(t *testing.T) {
	sess, client := newTestSession(t)
	startSession(t, sess, client)

	require.NoError(t, sess.Hangup(context.Background(), "server_shutdown"))
	require.NoError(t, sess.Hangup(context.Background(), "server_shutdown"))
	assert.Equal(t, transport.StateEnded, sess.State())
	requireEventsClosed(t, sess)
	_ = client
}
