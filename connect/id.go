package connect

import (
	"github.com/oklog/ulid/v2"
)

// NewNonce returns a fresh, time-ordered string used to defeat caching of the connect request.
func NewNonce() string {
	return ulid.Make().String()
}
