package connect

import (
	"context"
	"flag"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

const testTimeout = 2 * time.Second
const quietTimeout = 100 * time.Millisecond

type fakeResponse struct {
	body []byte
	err  error
}

type fakeRequest struct {
	method  string
	url     string
	body    string
	respond chan fakeResponse
	done    func()
}

func (self *fakeRequest) reply(body string) {
	self.respond <- fakeResponse{body: []byte(body)}
}

func (self *fakeRequest) fail(err error) {
	self.respond <- fakeResponse{err: err}
}

// fakePollTransport hands every request to the test, one channel per endpoint
type fakePollTransport struct {
	connects    chan *fakeRequest
	selects     chan *fakeRequest
	xmits       chan *fakeRequest
	disconnects chan *fakeRequest

	mutex       sync.Mutex
	xmitsActive int
	maxXmits    int
}

func newFakePollTransport() *fakePollTransport {
	return &fakePollTransport{
		connects:    make(chan *fakeRequest, 16),
		selects:     make(chan *fakeRequest, 16),
		xmits:       make(chan *fakeRequest, 16),
		disconnects: make(chan *fakeRequest, 16),
	}
}

func (self *fakePollTransport) Get(ctx context.Context, url string) ([]byte, error) {
	return self.do(ctx, "GET", url, nil)
}

func (self *fakePollTransport) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	return self.do(ctx, "POST", url, body)
}

func (self *fakePollTransport) do(ctx context.Context, method string, url string, body []byte) ([]byte, error) {
	req := &fakeRequest{
		method:  method,
		url:     url,
		body:    string(body),
		respond: make(chan fakeResponse, 1),
		done:    func() {},
	}
	switch {
	case strings.Contains(url, "/connect/"):
		self.connects <- req
	case strings.Contains(url, "/select/"):
		self.selects <- req
	case strings.Contains(url, "/xmit/"):
		self.mutex.Lock()
		self.xmitsActive += 1
		if self.maxXmits < self.xmitsActive {
			self.maxXmits = self.xmitsActive
		}
		self.mutex.Unlock()
		req.done = func() {
			self.mutex.Lock()
			self.xmitsActive -= 1
			self.mutex.Unlock()
		}
		self.xmits <- req
	case strings.Contains(url, "/disconnect/"):
		self.disconnects <- req
	}
	select {
	case r := <-req.respond:
		req.done()
		return r.body, r.err
	case <-ctx.Done():
		req.done()
		return nil, ctx.Err()
	}
}

func (self *fakePollTransport) maxConcurrentXmits() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.maxXmits
}

func nextRequest(t *testing.T, requests chan *fakeRequest) *fakeRequest {
	t.Helper()
	select {
	case req := <-requests:
		return req
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for request")
		return nil
	}
}

func noRequest(t *testing.T, requests chan *fakeRequest) {
	t.Helper()
	select {
	case req := <-requests:
		t.Fatalf("unexpected request %s %s", req.method, req.url)
	case <-time.After(quietTimeout):
	}
}

type failure struct {
	message string
	task    Task
	errTag  string
}

type testConnection struct {
	loop      *Loop
	transport *fakePollTransport
	conn      *PollConnection

	mutex    sync.Mutex
	received []*Message
	failures []failure
}

func newTestConnection(t *testing.T) *testConnection {
	loop := NewLoop(context.Background())
	t.Cleanup(loop.Close)

	tc := &testConnection{
		loop:      loop,
		transport: newFakePollTransport(),
	}
	loop.Call(func() {
		tc.conn = NewPollConnectionWithDefaults(
			loop,
			tc.transport,
			"example.com:9000",
			func(msg *Message) {
				if msg.Op == "boom" {
					panic("receiver failed")
				}
				tc.mutex.Lock()
				defer tc.mutex.Unlock()
				tc.received = append(tc.received, msg)
			},
			func(message string, task Task, errTag string) {
				tc.mutex.Lock()
				defer tc.mutex.Unlock()
				tc.failures = append(tc.failures, failure{message, task, errTag})
			},
		)
	})
	return tc
}

func (self *testConnection) send(messages ...any) {
	self.loop.Call(func() {
		for _, message := range messages {
			self.conn.Send(message)
		}
	})
}

func (self *testConnection) state() (state ConnectionState) {
	self.loop.Call(func() {
		state = self.conn.State()
	})
	return
}

func (self *testConnection) receivedOps() []string {
	// drain anything already posted
	self.loop.Call(func() {})
	self.mutex.Lock()
	defer self.mutex.Unlock()
	ops := []string{}
	for _, msg := range self.received {
		ops = append(ops, msg.Op)
	}
	return ops
}

func (self *testConnection) failed() []failure {
	self.loop.Call(func() {})
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]failure(nil), self.failures...)
}

func assertDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for done")
	}
}

// connect completes the handshake and returns the first select
func (self *testConnection) connect(t *testing.T) *fakeRequest {
	t.Helper()
	req := nextRequest(t, self.transport.connects)
	assert.Equal(t, req.method, "GET")
	assert.Equal(t, strings.HasPrefix(req.url, "http://example.com:9000/connect/"), true)
	req.reply(`{"sessionid":"s1"}`)
	sel := nextRequest(t, self.transport.selects)
	assert.Equal(t, sel.url, "http://example.com:9000/select/s1/1")
	return sel
}

func TestConnectionBatchesSendsBeforeConnect(t *testing.T) {
	tc := newTestConnection(t)
	assert.Equal(t, tc.state(), StateConnecting)

	tc.send(`{"to":"a","op":"x"}`, map[string]any{"to": "b", "op": "y"}, []byte(`{"to":"c","op":"z"}`))
	noRequest(t, tc.transport.xmits)

	tc.connect(t)
	assert.Equal(t, tc.state(), StateConnected)

	xmit := nextRequest(t, tc.transport.xmits)
	assert.Equal(t, xmit.method, "POST")
	assert.Equal(t, xmit.url, "http://example.com:9000/xmit/s1/1")
	assert.Equal(t, xmit.body, "{\"to\":\"a\",\"op\":\"x\"}\n{\"op\":\"y\",\"to\":\"b\"}\n{\"to\":\"c\",\"op\":\"z\"}")
	xmit.reply(`{"seqnum":2}`)
	noRequest(t, tc.transport.xmits)

	tc.send(map[string]any{"a": 1})
	xmit = nextRequest(t, tc.transport.xmits)
	assert.Equal(t, xmit.url, "http://example.com:9000/xmit/s1/2")
	assert.Equal(t, xmit.body, `{"a":1}`)
	xmit.reply(`{"seqnum":3}`)

	assert.Equal(t, len(tc.failed()), 0)
}

func TestConnectionOneXmitInFlight(t *testing.T) {
	tc := newTestConnection(t)
	tc.connect(t)

	tc.send(map[string]any{"n": 1})
	first := nextRequest(t, tc.transport.xmits)
	assert.Equal(t, first.body, `{"n":1}`)

	tc.send(map[string]any{"n": 2})
	tc.send(map[string]any{"n": 3})
	noRequest(t, tc.transport.xmits)

	first.reply(`{"seqnum":7}`)
	second := nextRequest(t, tc.transport.xmits)
	assert.Equal(t, second.url, "http://example.com:9000/xmit/s1/7")
	assert.Equal(t, second.body, "{\"n\":2}\n{\"n\":3}")
	second.reply(`{"seqnum":8}`)
	noRequest(t, tc.transport.xmits)

	assert.Equal(t, tc.transport.maxConcurrentXmits(), 1)
}

func TestConnectionSelectLoop(t *testing.T) {
	tc := newTestConnection(t)
	sel := tc.connect(t)

	sel.reply(`{"seqnum":10,"msgs":[{"to":"session","op":"m1"},{"to":"session","op":"m2"}]}`)
	sel = nextRequest(t, tc.transport.selects)
	assert.Equal(t, sel.url, "http://example.com:9000/select/s1/10")
	assert.Equal(t, tc.receivedOps(), []string{"m1", "m2"})

	sel.reply(`{"seqnum":11,"msgs":[]}`)
	sel = nextRequest(t, tc.transport.selects)
	assert.Equal(t, sel.url, "http://example.com:9000/select/s1/11")

	sel.reply(`{"seqnum":0,"msgs":[]}`)
	noRequest(t, tc.transport.selects)

	assert.Equal(t, tc.receivedOps(), []string{"m1", "m2"})
	assert.Equal(t, len(tc.failed()), 0)
}

func TestConnectionSelectMissingSeqnum(t *testing.T) {
	tc := newTestConnection(t)
	sel := tc.connect(t)

	sel.reply(`{"msgs":[]}`)
	noRequest(t, tc.transport.selects)

	failures := tc.failed()
	assert.Equal(t, len(failures), 1)
	assert.Equal(t, failures[0].task, TaskSelect)
	assert.Equal(t, failures[0].errTag, unknownProblem)
	assert.Equal(t, tc.state(), StateDisconnected)
}

func TestConnectionSelectErrorTakesPrecedence(t *testing.T) {
	tc := newTestConnection(t)
	sel := tc.connect(t)

	sel.reply(`{"seqnum":5,"msgs":[{"to":"session","op":"m1"}],"error":"badSession"}`)
	noRequest(t, tc.transport.selects)

	failures := tc.failed()
	assert.Equal(t, len(failures), 1)
	assert.Equal(t, failures[0].task, TaskSelect)
	assert.Equal(t, failures[0].errTag, "badSession")
	assert.Equal(t, len(tc.receivedOps()), 0)
}

func TestConnectionSelectDropsMalformedMessage(t *testing.T) {
	tc := newTestConnection(t)
	sel := tc.connect(t)

	sel.reply(`{"seqnum":2,"msgs":[{"op":"noTarget"},{"to":"session","op":"m1"}]}`)
	nextRequest(t, tc.transport.selects)

	assert.Equal(t, tc.receivedOps(), []string{"m1"})
	assert.Equal(t, len(tc.failed()), 0)
}

func TestConnectionReceiverPanicKeepsSelecting(t *testing.T) {
	tc := newTestConnection(t)
	sel := tc.connect(t)

	sel.reply(`{"seqnum":2,"msgs":[{"to":"session","op":"boom"},{"to":"session","op":"m1"}]}`)
	sel = nextRequest(t, tc.transport.selects)
	assert.Equal(t, sel.url, "http://example.com:9000/select/s1/2")

	assert.Equal(t, tc.receivedOps(), []string{"m1"})
	assert.Equal(t, tc.state(), StateConnected)
	assert.Equal(t, len(tc.failed()), 0)
}

func TestConnectionDisconnectMidBatch(t *testing.T) {
	tc := newTestConnection(t)
	sel := tc.connect(t)

	// the first message disconnects, the rest of the batch is stale
	tc.loop.Call(func() {
		receiver := tc.conn.receiver
		tc.conn.receiver = func(msg *Message) {
			receiver(msg)
			if msg.Op == "last" {
				tc.conn.Disconnect()
			}
		}
	})
	sel.reply(`{"seqnum":2,"msgs":[{"to":"session","op":"last"},{"to":"session","op":"stale"}]}`)
	nextRequest(t, tc.transport.disconnects).reply(``)
	noRequest(t, tc.transport.selects)

	assert.Equal(t, tc.receivedOps(), []string{"last"})
	assert.Equal(t, len(tc.failed()), 0)
}

func TestConnectionConnectFailure(t *testing.T) {
	tc := newTestConnection(t)
	tc.send(map[string]any{"a": 1})

	req := nextRequest(t, tc.transport.connects)
	req.reply(`{}`)
	noRequest(t, tc.transport.selects)
	noRequest(t, tc.transport.xmits)

	failures := tc.failed()
	assert.Equal(t, len(failures), 1)
	assert.Equal(t, failures[0].task, TaskConnect)
	assert.Equal(t, tc.state(), StateDisconnected)
	assertDone(t, tc.conn.Done())
}

func TestConnectionConnectStatusFailure(t *testing.T) {
	tc := newTestConnection(t)

	req := nextRequest(t, tc.transport.connects)
	req.fail(&StatusError{StatusCode: 503, Status: "503 Service Unavailable"})
	noRequest(t, tc.transport.selects)

	failures := tc.failed()
	assert.Equal(t, len(failures), 1)
	assert.Equal(t, failures[0].task, TaskConnect)
	assert.Equal(t, failures[0].errTag, "503 Service Unavailable")
}

func TestConnectionXmitBadAck(t *testing.T) {
	tc := newTestConnection(t)
	sel := tc.connect(t)

	tc.send(map[string]any{"a": 1})
	xmit := nextRequest(t, tc.transport.xmits)
	xmit.reply(`{"seqnum":0}`)

	// broken connections tolerate sends and never deliver them
	tc.send(map[string]any{"a": 2})
	noRequest(t, tc.transport.xmits)

	// a late select response is stale
	sel.reply(`{"seqnum":2,"msgs":[{"to":"session","op":"late"}]}`)
	noRequest(t, tc.transport.selects)

	failures := tc.failed()
	assert.Equal(t, len(failures), 1)
	assert.Equal(t, failures[0].task, TaskXmit)
	assert.Equal(t, len(tc.receivedOps()), 0)
}

func TestConnectionFailureAtMostOnce(t *testing.T) {
	tc := newTestConnection(t)
	sel := tc.connect(t)

	tc.send(map[string]any{"a": 1})
	xmit := nextRequest(t, tc.transport.xmits)

	xmit.reply(`{"error":"nope"}`)
	noRequest(t, tc.transport.xmits)
	sel.reply(`{"error":"alsoNope"}`)
	noRequest(t, tc.transport.selects)

	failures := tc.failed()
	assert.Equal(t, len(failures), 1)
	assert.Equal(t, failures[0].task, TaskXmit)
	assert.Equal(t, failures[0].errTag, "nope")
}

func TestConnectionDisconnect(t *testing.T) {
	tc := newTestConnection(t)
	sel := tc.connect(t)

	tc.loop.Call(func() {
		tc.conn.Disconnect()
	})
	disconnect := nextRequest(t, tc.transport.disconnects)
	assert.Equal(t, disconnect.method, "POST")
	assert.Equal(t, disconnect.url, "http://example.com:9000/disconnect/s1")
	assert.Equal(t, tc.state(), StateDisconnected)
	// done waits for the disconnect request
	select {
	case <-tc.conn.Done():
		t.Fatal("done before the disconnect request finished")
	case <-time.After(quietTimeout):
	}
	disconnect.reply(``)
	assertDone(t, tc.conn.Done())

	tc.loop.Call(func() {
		tc.conn.Disconnect()
	})
	noRequest(t, tc.transport.disconnects)

	sel.reply(`{"seqnum":2,"msgs":[{"to":"session","op":"late"}]}`)
	noRequest(t, tc.transport.selects)
	assert.Equal(t, len(tc.receivedOps()), 0)
	assert.Equal(t, len(tc.failed()), 0)
}

func TestConnectionDisconnectBeforeConnect(t *testing.T) {
	tc := newTestConnection(t)
	req := nextRequest(t, tc.transport.connects)

	tc.loop.Call(func() {
		tc.conn.Disconnect()
	})
	req.reply(`{"sessionid":"s1"}`)

	noRequest(t, tc.transport.selects)
	noRequest(t, tc.transport.disconnects)
	assert.Equal(t, tc.state(), StateDisconnected)
	assertDone(t, tc.conn.Done())
	assert.Equal(t, len(tc.failed()), 0)
}

func TestPollResponse(t *testing.T) {
	response, err := parsePollResponse([]byte(`{"sessionid":1234,"seqnum":3}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, response.sessionId(), "1234")
	seq, ok := response.seqnum()
	assert.Equal(t, ok, true)
	assert.Equal(t, seq, int64(3))

	response, err = parsePollResponse([]byte(`{"seqnum":"3"}`))
	assert.Equal(t, err, nil)
	_, ok = response.seqnum()
	assert.Equal(t, ok, false)

	_, err = parsePollResponse([]byte(` `))
	assert.NotEqual(t, err, nil)
}
