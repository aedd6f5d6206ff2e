package connect

import (
	"time"
)

type HttpTransportSettings struct {
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
	// zero means no overall timeout. The server bounds how long a select is held open.
	HttpTimeout time.Duration
}

func DefaultHttpTransportSettings() *HttpTransportSettings {
	return &HttpTransportSettings{
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
		HttpTimeout:        0,
	}
}

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// zero means no read deadline
	ReadTimeout time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		WriteTimeout:       15 * time.Second,
		ReadTimeout:        0,
	}
}

type PollConnectionSettings struct {
	// bounds the best effort disconnect post
	DisconnectTimeout time.Duration
}

func DefaultPollConnectionSettings() *PollConnectionSettings {
	return &PollConnectionSettings{
		DisconnectTimeout: 5 * time.Second,
	}
}

type SessionSettings struct {
	// creates the connection for `Connect`. Defaults to long poll over http.
	Dialer Dialer
	// seals credentials carried in the director `auth` message. Optional.
	Sealer        Sealer
	CredentialTtl time.Duration
	// called after the session logs a connection failure. Optional.
	OnFailure FailureFunc
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Dialer:        NewPollDialerWithDefaults(),
		CredentialTtl: 5 * time.Minute,
	}
}
