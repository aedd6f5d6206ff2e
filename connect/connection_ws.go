package connect

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// SocketConnection runs the session protocol over one duplex socket.
// The socket orders and delivers frames, so there are no sequence numbers.
// At most one frame write is in flight, which keeps enqueue order on the wire.
type SocketConnection struct {
	loop      *Loop
	transport SocketTransport

	url      string
	receiver ReceiverFunc
	failure  FailureFunc

	state   ConnectionState
	channel SocketChannel
	queue   []string
	// true while a write is in flight, and before the socket opens
	hold         bool
	disconnected bool
	failed       bool

	done     chan struct{}
	doneOnce sync.Once
}

// NewSocketConnection starts dialing. Must be called on `loop`.
func NewSocketConnection(
	loop *Loop,
	transport SocketTransport,
	url string,
	receiver ReceiverFunc,
	failure FailureFunc,
) *SocketConnection {
	conn := &SocketConnection{
		loop:      loop,
		transport: transport,
		url:       NormalizeSocketUrl(url),
		receiver:  receiver,
		failure:   failure,
		state:     StateInit,
		hold:      true,
		done:      make(chan struct{}),
	}
	conn.open()
	return conn
}

func (self *SocketConnection) State() ConnectionState {
	return self.state
}

func (self *SocketConnection) Done() <-chan struct{} {
	return self.done
}

func (self *SocketConnection) closeDone() {
	self.doneOnce.Do(func() {
		close(self.done)
	})
}

// closeChannel closes the socket off the loop, then marks the connection done
func (self *SocketConnection) closeChannel() {
	if self.channel == nil {
		self.closeDone()
		return
	}
	channel := self.channel
	go func() {
		defer self.closeDone()
		channel.Close()
	}()
}

func (self *SocketConnection) open() {
	self.state = StateConnecting
	go func() {
		channel, err := self.transport.Dial(self.loop.Ctx(), self.url)
		self.loop.Post(func() {
			self.onOpen(channel, err)
		})
	}()
}

func (self *SocketConnection) onOpen(channel SocketChannel, err error) {
	if err != nil {
		if !self.disconnected {
			self.fail(fmt.Sprintf("websocket open failed: %s", err), TaskConnect, errorTag(err))
		}
		return
	}
	if self.disconnected {
		// disconnected while dialing
		go channel.Close()
		return
	}

	self.channel = channel
	self.state = StateConnected
	glog.V(1).Infof("[c]connected %s\n", self.url)
	go self.read(channel)

	self.hold = false
	if 0 < len(self.queue) {
		self.flush()
	}
}

func (self *SocketConnection) read(channel SocketChannel) {
	for {
		frame, err := channel.ReadFrame()
		if err != nil {
			self.loop.Post(func() {
				self.onReadError(err)
			})
			return
		}
		self.loop.Post(func() {
			self.onFrame(frame)
		})
	}
}

func (self *SocketConnection) onFrame(frame []byte) {
	if self.disconnected {
		return
	}
	msg, err := ParseMessage(frame)
	if err != nil {
		glog.Errorf("[c]drop malformed frame %s: %s\n", string(frame), err)
		return
	}
	glog.V(2).Infof("[c]<- %s\n", msg)
	HandleError(func() {
		self.receiver(msg)
	})
}

func (self *SocketConnection) onReadError(err error) {
	if self.disconnected {
		return
	}
	if errors.Is(err, io.EOF) {
		glog.Infof("[c]socket closed by server %s\n", self.url)
		self.disconnected = true
		self.state = StateDisconnected
		self.closeChannel()
		return
	}
	self.fail(fmt.Sprintf("websocket error: %s", err), TaskSelect, errorTag(err))
}

func (self *SocketConnection) Send(message any) {
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

func (self *SocketConnection) flush() {
	if self.disconnected || self.hold || len(self.queue) == 0 {
		return
	}
	frame := strings.Join(self.queue, "\n")
	self.queue = nil
	self.hold = true

	channel := self.channel
	glog.V(2).Infof("[c]-> %s\n", frame)
	go func() {
		err := channel.WriteFrame([]byte(frame))
		self.loop.Post(func() {
			self.onWritten(err)
		})
	}()
}

func (self *SocketConnection) onWritten(err error) {
	if self.disconnected {
		return
	}
	if err != nil {
		self.fail(fmt.Sprintf("websocket send failure: %s", err), TaskSend, errorTag(err))
		return
	}
	self.hold = false
	if 0 < len(self.queue) {
		self.flush()
	}
}

func (self *SocketConnection) Disconnect() {
	if self.disconnected {
		return
	}
	self.disconnected = true
	self.state = StateDisconnected
	self.closeChannel()
}

func (self *SocketConnection) fail(message string, task Task, errTag string) {
	self.disconnected = true
	self.state = StateDisconnected
	self.closeChannel()
	if self.failed {
		return
	}
	self.failed = true
	glog.Infof("[c]%s failed %s: %s (%s)\n", task, self.url, message, errTag)
	if self.failure != nil {
		self.failure(message, task, errTag)
	}
}

type SocketDialer struct {
	transport SocketTransport
}

func NewSocketDialerWithDefaults() *SocketDialer {
	return NewSocketDialer(NewWsTransportWithDefaults())
}

func NewSocketDialer(transport SocketTransport) *SocketDialer {
	return &SocketDialer{
		transport: transport,
	}
}

func (self *SocketDialer) Dial(loop *Loop, root string, receiver ReceiverFunc, failure FailureFunc) Connection {
	return NewSocketConnection(loop, self.transport, root, receiver, failure)
}

func (self *SocketDialer) Protocol() string {
	return "ws"
}
