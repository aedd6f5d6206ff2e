package connect

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SocketChannel is one duplex socket. Frames are whole text messages.
// `ReadFrame` returns `io.EOF` when the peer closed normally.
type SocketChannel interface {
	WriteFrame(frame []byte) error
	ReadFrame() ([]byte, error)
	Close() error
}

// SocketTransport is the capability set of the duplex socket binding.
type SocketTransport interface {
	Dial(ctx context.Context, url string) (SocketChannel, error)
}

type WsTransport struct {
	settings *WsTransportSettings
	dialer   *websocket.Dialer
}

func NewWsTransportWithDefaults() *WsTransport {
	return NewWsTransport(DefaultWsTransportSettings())
}

func NewWsTransport(settings *WsTransportSettings) *WsTransport {
	dialer := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	return &WsTransport{
		settings: settings,
		dialer:   dialer,
	}
}

func (self *WsTransport) Dial(ctx context.Context, url string) (SocketChannel, error) {
	ws, _, err := self.dialer.DialContext(ctx, NormalizeSocketUrl(url), nil)
	if err != nil {
		return nil, err
	}
	return &wsChannel{
		ws:       ws,
		settings: self.settings,
	}, nil
}

type wsChannel struct {
	ws       *websocket.Conn
	settings *WsTransportSettings

	// gorilla allows one concurrent writer; the close frame races with queued writes
	writeMutex sync.Mutex
}

func (self *wsChannel) WriteFrame(frame []byte) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	if 0 < self.settings.WriteTimeout {
		self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	}
	return self.ws.WriteMessage(websocket.TextMessage, frame)
}

func (self *wsChannel) ReadFrame() ([]byte, error) {
	for {
		if 0 < self.settings.ReadTimeout {
			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// keepalive
				continue
			}
			return message, nil
		}
	}
}

func (self *wsChannel) Close() error {
	self.writeMutex.Lock()
	closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	self.ws.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(time.Second))
	self.writeMutex.Unlock()
	return self.ws.Close()
}
