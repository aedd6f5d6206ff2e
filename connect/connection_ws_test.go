package connect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// socketServer echoes each inbound frame back as one message per line, then optionally closes
type socketServer struct {
	upgrader websocket.Upgrader

	mutex  sync.Mutex
	frames []string

	closeAfter int
	closeCode  int
}

func (self *socketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	n := 0
	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		self.mutex.Lock()
		self.frames = append(self.frames, string(frame))
		self.mutex.Unlock()

		for _, line := range strings.Split(string(frame), "\n") {
			ws.WriteMessage(websocket.TextMessage, []byte(line))
			n += 1
		}
		if 0 < self.closeAfter && self.closeAfter <= n {
			if self.closeCode == 0 {
				// abnormal, no close frame
				return
			}
			ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(self.closeCode, ""),
				time.Now().Add(time.Second),
			)
			// wait for the client to close
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}
	}
}

func (self *socketServer) received() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]string(nil), self.frames...)
}

type socketHarness struct {
	loop     *Loop
	conn     *SocketConnection
	received chan string
	failures chan failure
}

func newSocketHarness(t *testing.T, url string, messages ...any) *socketHarness {
	loop := NewLoop(context.Background())
	t.Cleanup(loop.Close)

	h := &socketHarness{
		loop:     loop,
		received: make(chan string, 16),
		failures: make(chan failure, 16),
	}
	loop.Call(func() {
		h.conn = NewSocketConnection(
			loop,
			NewWsTransportWithDefaults(),
			url,
			func(msg *Message) {
				h.received <- msg.Op
				if msg.Op == "boom" {
					panic("receiver failed")
				}
			},
			func(message string, task Task, errTag string) {
				h.failures <- failure{message, task, errTag}
			},
		)
		for _, message := range messages {
			h.conn.Send(message)
		}
	})
	return h
}

func (self *socketHarness) expectOps(t *testing.T, ops ...string) {
	t.Helper()
	for _, op := range ops {
		select {
		case got := <-self.received:
			assert.Equal(t, got, op)
		case <-time.After(testTimeout):
			t.Fatalf("timeout waiting for %s", op)
		}
	}
}

func (self *socketHarness) state() (state ConnectionState) {
	self.loop.Call(func() {
		state = self.conn.State()
	})
	return
}

func TestSocketConnectionOrder(t *testing.T) {
	ss := &socketServer{}
	server := httptest.NewServer(ss)
	defer server.Close()

	h := newSocketHarness(
		t,
		server.URL,
		map[string]any{"to": "session", "op": "m1"},
		map[string]any{"to": "session", "op": "m2"},
	)
	h.expectOps(t, "m1", "m2")
	assert.Equal(t, ss.received(), []string{"{\"op\":\"m1\",\"to\":\"session\"}\n{\"op\":\"m2\",\"to\":\"session\"}"})

	// a panicking receiver drops only its own message
	h.loop.Call(func() {
		h.conn.Send(`{"to":"session","op":"boom"}`)
	})
	h.expectOps(t, "boom")
	assert.Equal(t, h.state(), StateConnected)

	h.loop.Call(func() {
		h.conn.Send(`{"to":"session","op":"m3"}`)
		h.conn.Send(`{"to":"session","op":"m4"}`)
		h.conn.Send(`{"to":"session","op":"m5"}`)
	})
	h.expectOps(t, "m3", "m4", "m5")

	h.loop.Call(func() {
		h.conn.Disconnect()
		h.conn.Disconnect()
	})
	assert.Equal(t, h.state(), StateDisconnected)
	assertDone(t, h.conn.Done())

	select {
	case f := <-h.failures:
		t.Fatalf("unexpected %s failure", f.task)
	case <-time.After(quietTimeout):
	}
}

func TestSocketConnectionNormalClose(t *testing.T) {
	ss := &socketServer{
		closeAfter: 1,
		closeCode:  websocket.CloseNormalClosure,
	}
	server := httptest.NewServer(ss)
	defer server.Close()

	h := newSocketHarness(t, server.URL, `{"to":"session","op":"bye"}`)
	h.expectOps(t, "bye")

	deadline := time.Now().Add(testTimeout)
	for h.state() != StateDisconnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, h.state(), StateDisconnected)

	select {
	case f := <-h.failures:
		t.Fatalf("unexpected %s failure", f.task)
	case <-time.After(quietTimeout):
	}
}

func TestSocketConnectionAbnormalClose(t *testing.T) {
	ss := &socketServer{
		closeAfter: 1,
	}
	server := httptest.NewServer(ss)
	defer server.Close()

	h := newSocketHarness(t, server.URL, `{"to":"session","op":"bye"}`)
	h.expectOps(t, "bye")

	select {
	case f := <-h.failures:
		assert.Equal(t, f.task, TaskSelect)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for failure")
	}

	// at most once
	h.loop.Call(func() {
		h.conn.Send(`{"to":"session","op":"late"}`)
	})
	select {
	case f := <-h.failures:
		t.Fatalf("unexpected second %s failure", f.task)
	case <-time.After(quietTimeout):
	}
}

func TestSocketConnectionDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	h := newSocketHarness(t, url, `{"to":"session","op":"never"}`)

	select {
	case f := <-h.failures:
		assert.Equal(t, f.task, TaskConnect)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for failure")
	}
	assert.Equal(t, h.state(), StateDisconnected)
	assertDone(t, h.conn.Done())
}

func TestSocketDialerProtocol(t *testing.T) {
	assert.Equal(t, NewSocketDialerWithDefaults().Protocol(), "ws")
	assert.Equal(t, NewPollDialerWithDefaults().Protocol(), "http")
}
