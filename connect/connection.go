package connect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// Task names what a connection was doing when it failed.
type Task string

const (
	TaskConnect    Task = "connect"
	TaskSelect     Task = "select"
	TaskXmit       Task = "xmit"
	TaskDisconnect Task = "disconnect"
	TaskSend       Task = "send"
)

// FailureFunc is called at most once per connection, with a human readable message,
// the task that failed, and an error tag.
// After it is called the connection is permanently broken.
type FailureFunc func(message string, task Task, errTag string)

// ReceiverFunc is called on the loop with each inbound message, in order.
type ReceiverFunc func(msg *Message)

type ConnectionState int

const (
	StateInit ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (self ConnectionState) String() string {
	switch self {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(self))
	}
}

// Connection is a sequenced, queued channel to the server.
// All methods must be called on the connection's loop.
type Connection interface {
	// Send queues `message` for delivery. Strings and byte slices are sent as is,
	// anything else is encoded as JSON. Never fails; a broken connection drops the message.
	Send(message any)
	// Disconnect is idempotent.
	Disconnect()
	State() ConnectionState
	// Done is closed once the connection is broken or disconnected
	// and any best effort disconnect request has finished.
	Done() <-chan struct{}
}

// Dialer opens connections for a session. `Dial` is called on the loop.
type Dialer interface {
	Dial(loop *Loop, root string, receiver ReceiverFunc, failure FailureFunc) Connection
	// Protocol is the protocol name requested from a director for this dialer.
	Protocol() string
}

const unknownProblem = "unknownProblem"

// encodes an outbound message as one line of text
func messageText(message any) (string, bool, error) {
	switch v := message.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, v != "", nil
	case []byte:
		return string(v), 0 < len(v), nil
	case json.RawMessage:
		return string(v), 0 < len(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false, err
		}
		return string(b), true, nil
	}
}

// errorTag summarizes a transport error into the tag passed to the failure callback
func errorTag(err error) string {
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		if statusErr.Status != "" {
			return statusErr.Status
		}
		return fmt.Sprintf("%d", statusErr.StatusCode)
	case errors.Is(err, context.Canceled):
		return "abort"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// pollResponse is the union of the connect, select and xmit response bodies
type pollResponse struct {
	SessionId json.RawMessage   `json:"sessionid"`
	Seqnum    json.RawMessage   `json:"seqnum"`
	Msgs      []json.RawMessage `json:"msgs"`
	Error     json.RawMessage   `json:"error"`
}

func parsePollResponse(body []byte) (*pollResponse, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, errors.New("empty response")
	}
	response := &pollResponse{}
	if err := json.Unmarshal(body, response); err != nil {
		return nil, err
	}
	return response, nil
}

// problem returns the embedded error field, if any. An error field takes precedence over a valid sequence number.
func (self *pollResponse) problem() (string, bool) {
	if len(self.Error) == 0 || string(self.Error) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(self.Error, &s); err == nil {
		if s == "" {
			return unknownProblem, true
		}
		return s, true
	}
	return string(self.Error), true
}

// seqnum returns the sequence number and whether it was present as an integer
func (self *pollResponse) seqnum() (int64, bool) {
	if len(self.Seqnum) == 0 || string(self.Seqnum) == "null" {
		return 0, false
	}
	var seq int64
	if err := json.Unmarshal(self.Seqnum, &seq); err != nil {
		return 0, false
	}
	return seq, true
}

// sessionId normalizes a string or numeric session id
func (self *pollResponse) sessionId() string {
	if len(self.SessionId) == 0 || string(self.SessionId) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(self.SessionId, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(self.SessionId, &n); err == nil {
		return n.String()
	}
	return ""
}

// PollConnection runs the connect/select/xmit/disconnect protocol over a `PollTransport`.
type PollConnection struct {
	loop      *Loop
	transport PollTransport
	settings  *PollConnectionSettings

	root     string
	receiver ReceiverFunc
	failure  FailureFunc

	state     ConnectionState
	sessionId string
	selectSeq int64
	xmitSeq   int64
	// serialized messages not yet handed to an xmit
	queue []string
	// true while an xmit is in flight, and before connect completes
	hold         bool
	disconnected bool
	failed       bool

	done     chan struct{}
	doneOnce sync.Once
}

func NewPollConnectionWithDefaults(
	loop *Loop,
	transport PollTransport,
	root string,
	receiver ReceiverFunc,
	failure FailureFunc,
) *PollConnection {
	return NewPollConnection(loop, transport, root, receiver, failure, DefaultPollConnectionSettings())
}

// NewPollConnection starts the connect handshake. Must be called on `loop`.
func NewPollConnection(
	loop *Loop,
	transport PollTransport,
	root string,
	receiver ReceiverFunc,
	failure FailureFunc,
	settings *PollConnectionSettings,
) *PollConnection {
	conn := &PollConnection{
		loop:      loop,
		transport: transport,
		settings:  settings,
		root:      NormalizeRoot(root),
		receiver:  receiver,
		failure:   failure,
		state:     StateInit,
		selectSeq: 1,
		xmitSeq:   1,
		hold:      true,
		done:      make(chan struct{}),
	}
	conn.connect()
	return conn
}

func (self *PollConnection) State() ConnectionState {
	return self.state
}

func (self *PollConnection) SessionId() string {
	return self.sessionId
}

func (self *PollConnection) Done() <-chan struct{} {
	return self.done
}

// safe from any goroutine
func (self *PollConnection) closeDone() {
	self.doneOnce.Do(func() {
		close(self.done)
	})
}

// get runs a request off the loop and posts `handle` back to it
func (self *PollConnection) get(url string, handle func(body []byte, err error)) {
	glog.V(2).Infof("[c]GET %s\n", url)
	go func() {
		body, err := self.transport.Get(self.loop.Ctx(), url)
		self.loop.Post(func() {
			handle(body, err)
		})
	}()
}

func (self *PollConnection) post(url string, body []byte, handle func(body []byte, err error)) {
	glog.V(2).Infof("[c]POST %s\n", url)
	go func() {
		responseBody, err := self.transport.Post(self.loop.Ctx(), url, body)
		self.loop.Post(func() {
			handle(responseBody, err)
		})
	}()
}

func (self *PollConnection) connect() {
	self.state = StateConnecting
	url := fmt.Sprintf("%s/connect/%s", self.root, NewNonce())
	self.get(url, func(body []byte, err error) {
		if self.disconnected {
			return
		}
		if err != nil {
			tag := errorTag(err)
			self.fail(fmt.Sprintf("connect request failed, status=%s", tag), TaskConnect, tag)
			return
		}
		response, err := parsePollResponse(body)
		if err != nil {
			self.fail(fmt.Sprintf("connect request failed, problem=%s", err), TaskConnect, "badResponse")
			return
		}
		if problem, ok := response.problem(); ok {
			self.fail(fmt.Sprintf("connect request failed, problem=%s", problem), TaskConnect, problem)
			return
		}
		sessionId := response.sessionId()
		if sessionId == "" {
			self.fail("connect request failed, problem=unknownProblem", TaskConnect, unknownProblem)
			return
		}

		self.sessionId = sessionId
		self.selectSeq = 1
		self.xmitSeq = 1
		self.state = StateConnected
		glog.V(1).Infof("[c]connected %s session=%s\n", self.root, sessionId)

		self.selectNext()
		self.hold = false
		if 0 < len(self.queue) {
			self.flush()
		}
	})
}

func (self *PollConnection) selectNext() {
	if self.disconnected {
		return
	}
	url := fmt.Sprintf("%s/select/%s/%d", self.root, self.sessionId, self.selectSeq)
	self.get(url, func(body []byte, err error) {
		if self.disconnected {
			// stale
			return
		}
		if err != nil {
			tag := errorTag(err)
			self.fail(fmt.Sprintf("select request failed, status=%s", tag), TaskSelect, tag)
			return
		}
		response, err := parsePollResponse(body)
		if err != nil {
			self.fail(fmt.Sprintf("select request failed, problem=%s", err), TaskSelect, "badResponse")
			return
		}
		if problem, ok := response.problem(); ok {
			self.fail(fmt.Sprintf("select request failed, problem=%s", problem), TaskSelect, problem)
			return
		}
		seq, ok := response.seqnum()
		if !ok {
			self.fail("select request failed, problem=unknownProblem", TaskSelect, unknownProblem)
			return
		}

		self.deliver(response.Msgs)
		if self.disconnected {
			return
		}

		if 0 < seq {
			self.selectSeq = seq
			self.loop.Post(self.selectNext)
		} else {
			glog.Infof("[c]select loop ended by server (seqnum=%d)\n", seq)
		}
	})
}

// deliver hands every message of one select response to the receiver, in order
func (self *PollConnection) deliver(msgs []json.RawMessage) {
	for _, raw := range msgs {
		if self.disconnected {
			// a receiver disconnected mid batch. The rest is stale.
			return
		}
		msg, err := ParseMessage(raw)
		if err != nil {
			glog.Errorf("[c]drop malformed message %s: %s\n", string(raw), err)
			continue
		}
		glog.V(2).Infof("[c]<- %s\n", msg)
		HandleError(func() {
			self.receiver(msg)
		})
	}
}

func (self *PollConnection) Send(message any) {
	text, ok, err := messageText(message)
	if err != nil {
		glog.Errorf("[c]cannot encode message: %s\n", err)
		return
	}
	if !ok {
		return
	}
	self.queue = append(self.queue, text)
	if !self.hold {
		self.loop.Post(self.flush)
	}
}

// flush hands the entire queue to one xmit
func (self *PollConnection) flush() {
	if self.disconnected || self.hold || len(self.queue) == 0 {
		return
	}
	body := strings.Join(self.queue, "\n")
	self.queue = nil
	self.hold = true

	url := fmt.Sprintf("%s/xmit/%s/%d", self.root, self.sessionId, self.xmitSeq)
	glog.V(2).Infof("[c]-> %s\n", body)
	self.post(url, []byte(body), func(responseBody []byte, err error) {
		if self.disconnected {
			return
		}
		if err != nil {
			tag := errorTag(err)
			self.fail(fmt.Sprintf("xmit request failed, status=%s", tag), TaskXmit, tag)
			return
		}
		response, err := parsePollResponse(responseBody)
		if err != nil {
			self.fail(fmt.Sprintf("xmit request failed, problem=%s", err), TaskXmit, "badResponse")
			return
		}
		if problem, ok := response.problem(); ok {
			self.fail(fmt.Sprintf("xmit request failed, problem=%s", problem), TaskXmit, problem)
			return
		}
		seq, ok := response.seqnum()
		if !ok || seq <= 0 {
			self.fail("xmit request failed, problem=unknownProblem", TaskXmit, unknownProblem)
			return
		}

		self.xmitSeq = seq
		self.hold = false
		if 0 < len(self.queue) {
			self.flush()
		}
	})
}

func (self *PollConnection) Disconnect() {
	if self.disconnected {
		return
	}
	if self.sessionId != "" {
		url := fmt.Sprintf("%s/disconnect/%s", self.root, self.sessionId)
		// queued messages ride along with the disconnect
		body := []byte(strings.Join(self.queue, "\n"))
		self.queue = nil
		timeout := self.settings.DisconnectTimeout
		go func() {
			defer self.closeDone()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if _, err := self.transport.Post(ctx, url, body); err != nil {
				glog.V(1).Infof("[c]disconnect post %s: %s\n", url, err)
			}
		}()
		self.sessionId = ""
	} else {
		self.closeDone()
	}
	self.disconnected = true
	self.state = StateDisconnected
}

func (self *PollConnection) fail(message string, task Task, errTag string) {
	self.disconnected = true
	self.state = StateDisconnected
	self.closeDone()
	if self.failed {
		return
	}
	self.failed = true
	glog.Infof("[c]%s failed %s: %s (%s)\n", task, self.root, message, errTag)
	if self.failure != nil {
		self.failure(message, task, errTag)
	}
}

type PollDialer struct {
	transport PollTransport
	settings  *PollConnectionSettings
}

func NewPollDialerWithDefaults() *PollDialer {
	return NewPollDialer(NewHttpTransportWithDefaults(), DefaultPollConnectionSettings())
}

// NewCompatPollDialerWithDefaults polls through the legacy restricted request shim.
func NewCompatPollDialerWithDefaults() *PollDialer {
	return NewPollDialer(NewCompatTransportWithDefaults(), DefaultPollConnectionSettings())
}

func NewPollDialer(transport PollTransport, settings *PollConnectionSettings) *PollDialer {
	return &PollDialer{
		transport: transport,
		settings:  settings,
	}
}

func (self *PollDialer) Dial(loop *Loop, root string, receiver ReceiverFunc, failure FailureFunc) Connection {
	return NewPollConnection(loop, self.transport, root, receiver, failure, self.settings)
}

func (self *PollDialer) Protocol() string {
	return "http"
}
