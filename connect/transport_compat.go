package connect

import (
	"context"
	"sync"
)

// RestrictedRequest is a one shot cross origin request object of the kind legacy browsers expose:
// no request headers, no response status, only a load or an error event carrying the response text.
type RestrictedRequest interface {
	Open(method string, url string)
	// Send issues the request. Exactly one of `onload` or `onerror` is called, possibly from another goroutine.
	Send(ctx context.Context, body []byte, onload func(text string), onerror func(text string))
	Abort()
}

type RestrictedRequestFactory func() RestrictedRequest

// CompatTransport shims a `RestrictedRequest` into the `PollTransport` capability set.
// A load completes as 200 "success", an error as 400 "failed", the way the legacy request helper did.
type CompatTransport struct {
	newRequest RestrictedRequestFactory
}

func NewCompatTransportWithDefaults() *CompatTransport {
	transport := NewHttpTransportWithDefaults()
	return NewCompatTransport(func() RestrictedRequest {
		return newSimpleRequest(transport)
	})
}

func NewCompatTransport(newRequest RestrictedRequestFactory) *CompatTransport {
	return &CompatTransport{
		newRequest: newRequest,
	}
}

func (self *CompatTransport) Get(ctx context.Context, url string) ([]byte, error) {
	return self.complete(ctx, "GET", url, nil)
}

func (self *CompatTransport) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	return self.complete(ctx, "POST", url, body)
}

func (self *CompatTransport) complete(ctx context.Context, method string, url string, body []byte) ([]byte, error) {
	type completion struct {
		statusCode int
		status     string
		text       string
	}

	done := make(chan completion, 1)
	var once sync.Once
	completeCallback := func(statusCode int, status string, text string) {
		once.Do(func() {
			done <- completion{
				statusCode: statusCode,
				status:     status,
				text:       text,
			}
		})
	}

	req := self.newRequest()
	req.Open(method, url)
	req.Send(
		ctx,
		body,
		func(text string) {
			completeCallback(200, "success", text)
		},
		func(text string) {
			completeCallback(400, "failed", text)
		},
	)

	select {
	case <-ctx.Done():
		req.Abort()
		return nil, ctx.Err()
	case c := <-done:
		if c.statusCode != 200 {
			return nil, &StatusError{
				StatusCode: c.statusCode,
				Status:     c.status,
				Body:       c.text,
			}
		}
		return []byte(c.text), nil
	}
}

// simpleRequest is the default `RestrictedRequest`, limited to what a simple cross origin request may do.
type simpleRequest struct {
	transport *HttpTransport

	method string
	url    string

	mutex  sync.Mutex
	cancel context.CancelFunc
}

func newSimpleRequest(transport *HttpTransport) *simpleRequest {
	return &simpleRequest{
		transport: transport,
	}
}

func (self *simpleRequest) Open(method string, url string) {
	self.method = method
	self.url = url
}

func (self *simpleRequest) Send(ctx context.Context, body []byte, onload func(text string), onerror func(text string)) {
	sendCtx, cancel := context.WithCancel(ctx)
	self.mutex.Lock()
	self.cancel = cancel
	self.mutex.Unlock()

	go func() {
		defer cancel()

		var responseBody []byte
		var err error
		switch self.method {
		case "POST":
			responseBody, err = self.transport.Post(sendCtx, self.url, body)
		default:
			responseBody, err = self.transport.Get(sendCtx, self.url)
		}
		if err != nil {
			if statusErr, ok := err.(*StatusError); ok {
				onerror(statusErr.Body)
			} else {
				onerror("")
			}
			return
		}
		onload(string(responseBody))
	}()
}

func (self *simpleRequest) Abort() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.cancel != nil {
		self.cancel()
	}
}
