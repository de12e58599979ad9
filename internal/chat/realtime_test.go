package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mikhailofff/chat-sync/internal/api"
)

type eventRecorder struct {
	messages  []api.Message
	counts    []int
	userlists [][]string
	connects  int
}

func (r *eventRecorder) events() Events {
	return Events{
		OnMessage:  func(msg api.Message) { r.messages = append(r.messages, msg) },
		OnPresence: func(count int, userlist []string) { r.counts = append(r.counts, count); r.userlists = append(r.userlists, userlist) },
		OnConnect:  func(context.Context) error { r.connects++; return nil },
	}
}

func newTestChannel(t *testing.T, rec *eventRecorder) *Channel {
	t.Helper()
	return NewChannel("ws://example.test/ws", "alice", rec.events(), slog.Default())
}

// --- dispatch ---

func TestDispatch_MessageFrame(t *testing.T) {
	rec := &eventRecorder{}
	c := newTestChannel(t, rec)

	c.dispatch([]byte(`{"id":5,"content":"hi","created_at":"2024-01-09T10:00:00Z","created_by":"bob"}`))

	require.Len(t, rec.messages, 1)
	assert.Equal(t, int64(5), rec.messages[0].ID)
	assert.Equal(t, "bob", rec.messages[0].CreatedBy)
}

func TestDispatch_UserlistFrame(t *testing.T) {
	rec := &eventRecorder{}
	c := newTestChannel(t, rec)

	c.dispatch([]byte(`{"userlist":["alice","bob"]}`))

	require.Len(t, rec.counts, 1)
	assert.Equal(t, 2, rec.counts[0])
	assert.Equal(t, []string{"alice", "bob"}, rec.userlists[0])
	assert.Empty(t, rec.messages)
}

func TestDispatch_EmptyUserlist(t *testing.T) {
	rec := &eventRecorder{}
	c := newTestChannel(t, rec)

	c.dispatch([]byte(`{"userlist":[]}`))

	require.Len(t, rec.counts, 1)
	assert.Equal(t, 0, rec.counts[0])
}

func TestDispatch_IgnoresUnknownShapes(t *testing.T) {
	rec := &eventRecorder{}
	c := newTestChannel(t, rec)

	c.dispatch([]byte(`{"op":"ping"}`))
	c.dispatch([]byte(`{broken`))
	c.dispatch([]byte(`42`))

	assert.Empty(t, rec.messages)
	assert.Empty(t, rec.counts)
}

// --- Publish ---

func TestPublish_NotConnected(t *testing.T) {
	rec := &eventRecorder{}
	c := newTestChannel(t, rec)

	err := c.Publish(api.Message{ID: 1, Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestPublish_WritesTextFrame(t *testing.T) {
	ctrl := gomock.NewController(t)
	rec := &eventRecorder{}
	c := newTestChannel(t, rec)

	msg := api.Message{ID: 7, Content: "hello", CreatedAt: "2024-01-09T10:00:00Z", CreatedBy: "alice"}
	expected, err := json.Marshal(msg)
	require.NoError(t, err)

	mock := NewMockwsConn(ctrl)
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, expected).Return(nil)

	c.setConn(mock, true)
	assert.True(t, c.Connected())

	require.NoError(t, c.Publish(msg))
}

func TestPublish_WriteHasDeadline(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newTestChannel(t, &eventRecorder{})

	mock := NewMockwsConn(ctrl)
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ websocket.MessageType, _ []byte) error {
			deadline, ok := ctx.Deadline()
			assert.True(t, ok, "publish write must carry a deadline")
			assert.LessOrEqual(t, time.Until(deadline), writeTimeout)
			return nil
		})

	c.setConn(mock, true)

	require.NoError(t, c.Publish(api.Message{ID: 2, Content: "y"}))
}

func TestPublish_WriteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := newTestChannel(t, &eventRecorder{})

	mock := NewMockwsConn(ctrl)
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		Return(fmt.Errorf("connection reset"))

	c.setConn(mock, true)

	err := c.Publish(api.Message{ID: 1})
	assert.ErrorContains(t, err, "connection reset")
}

// --- Run ---

func TestRun_DispatchesFramesUntilCancelled(t *testing.T) {
	ctrl := gomock.NewController(t)
	rec := &eventRecorder{}

	ctx, cancel := context.WithCancel(context.Background())

	c := NewChannel("ws://example.test/ws", "alice", Events{
		OnMessage: func(msg api.Message) {
			rec.messages = append(rec.messages, msg)
			cancel()
		},
		OnConnect: func(context.Context) error { rec.connects++; return nil },
	}, slog.Default())

	mock := NewMockwsConn(ctrl)
	frame := []byte(`{"id":1,"content":"hi","created_at":"2024-01-09T10:00:00Z","created_by":"bob"}`)
	gomock.InOrder(
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, frame, nil),
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageType(0), nil, fmt.Errorf("EOF")),
	)
	mock.EXPECT().Close(websocket.StatusNormalClosure, gomock.Any()).Return(nil)

	c.dial = func(context.Context) (wsConn, error) { return mock, nil }

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.Len(t, rec.messages, 1)
	assert.Equal(t, 1, rec.connects, "catch-up hook ran on connect")
	assert.False(t, c.Connected())
}

func TestRun_RedialsAfterDrop(t *testing.T) {
	ctrl := gomock.NewController(t)
	rec := &eventRecorder{}

	ctx, cancel := context.WithCancel(context.Background())

	c := NewChannel("ws://example.test/ws", "alice", Events{
		OnConnect: func(context.Context) error {
			rec.connects++
			if rec.connects == 2 {
				cancel()
			}
			return nil
		},
	}, slog.Default())

	dropping := NewMockwsConn(ctrl)
	dropping.EXPECT().Read(gomock.Any()).Return(websocket.MessageType(0), nil, fmt.Errorf("gone"))
	dropping.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil)

	second := NewMockwsConn(ctrl)
	second.EXPECT().Read(gomock.Any()).Return(websocket.MessageType(0), nil, fmt.Errorf("gone again"))
	second.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil)

	conns := []wsConn{dropping, second}
	c.dial = func(context.Context) (wsConn, error) {
		conn := conns[0]
		conns = conns[1:]
		return conn, nil
	}

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, rec.connects, "a drop redials without backoff")
}

func TestRun_ConnectFailureRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	c := newTestChannel(t, &eventRecorder{})
	c.dial = func(context.Context) (wsConn, error) {
		cancel()
		return nil, fmt.Errorf("refused")
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

// --- backoff ---

func TestBackoffDelay_Bounds(t *testing.T) {
	// Attempts well past the doubling range cover a long outage, where
	// the count keeps growing without a successful connect in between.
	for attempt := 1; attempt <= 100; attempt++ {
		d := backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, reconnectMin, "attempt %d", attempt)
		assert.LessOrEqual(t, d, reconnectMax+reconnectMax/4, "attempt %d", attempt)
	}
}

func TestBackoffDelay_Grows(t *testing.T) {
	// Jitter aside, the base doubles until it hits the ceiling.
	assert.Less(t, backoffDelay(1), 2*reconnectMin)
	assert.GreaterOrEqual(t, backoffDelay(5), 8*reconnectMin)
}
