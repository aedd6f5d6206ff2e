package connect

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// PollTransport is the capability set shared by the long poll bindings.
// Each call produces exactly one of a body or an error. Bodies are returned as opaque text,
// so a malformed body is only ever judged by the connection.
// Calls are independent, so a select and an xmit may be in flight at the same time.
type PollTransport interface {
	Get(ctx context.Context, url string) ([]byte, error)
	Post(ctx context.Context, url string, body []byte) ([]byte, error)
}

type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (self *StatusError) Error() string {
	if self.Body == "" {
		return fmt.Sprintf("http status %s", self.Status)
	}
	return fmt.Sprintf("http status %s: %s", self.Status, self.Body)
}

// HttpTransport is the generic long poll binding.
type HttpTransport struct {
	client *http.Client
}

func NewHttpTransportWithDefaults() *HttpTransport {
	return NewHttpTransport(DefaultHttpTransportSettings())
}

func NewHttpTransport(settings *HttpTransportSettings) *HttpTransport {
	return NewHttpTransportWithClient(httpClient(settings))
}

func NewHttpTransportWithClient(client *http.Client) *HttpTransport {
	return &HttpTransport{
		client: client,
	}
}

func httpClient(settings *HttpTransportSettings) *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   settings.HttpTimeout,
	}
}

func (self *HttpTransport) Get(ctx context.Context, url string) ([]byte, error) {
	return self.do(ctx, "GET", url, nil)
}

func (self *HttpTransport) Post(ctx context.Context, url string, body []byte) ([]byte, error) {
	return self.do(ctx, "POST", url, body)
}

func (self *HttpTransport) do(ctx context.Context, method string, url string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	// a simple content type keeps cross origin requests free of preflight
	req.Header.Set("Content-Type", "text/plain")

	r, err := self.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		return nil, &StatusError{
			StatusCode: r.StatusCode,
			Status:     r.Status,
			Body:       strings.TrimSpace(string(responseBodyBytes)),
		}
	}
	if err != nil {
		return nil, err
	}
	return responseBodyBytes, nil
}

// NormalizeRoot adds the default http scheme to a bare host root.
func NormalizeRoot(root string) string {
	if strings.HasPrefix(root, "http://") || strings.HasPrefix(root, "https://") {
		return strings.TrimSuffix(root, "/")
	}
	return "http://" + strings.TrimSuffix(root, "/")
}

// NormalizeSocketUrl maps an http root or a bare host onto the websocket scheme.
func NormalizeSocketUrl(socketUrl string) string {
	switch {
	case strings.HasPrefix(socketUrl, "ws://"), strings.HasPrefix(socketUrl, "wss://"):
		return socketUrl
	case strings.HasPrefix(socketUrl, "http://"):
		return "ws://" + strings.TrimPrefix(socketUrl, "http://")
	case strings.HasPrefix(socketUrl, "https://"):
		return "wss://" + strings.TrimPrefix(socketUrl, "https://")
	default:
		return "ws://" + socketUrl
	}
}
