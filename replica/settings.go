package replica

import (
	"time"
)

type ReplicationSettings struct {
	// decode-side hard limits. An update carrying more than this many
	// deletes or changes is rejected as a protocol violation. The encoder
	// only warns on overage; a local sender is trusted, remote input is not.
	MaxDeletedCount uint32
	MaxChangedCount uint32

	// when the transport guarantees delivery there are no gaps to recover,
	// and the implicit delete scan is skipped
	ReliableTransport bool
}

func DefaultReplicationSettings() *ReplicationSettings {
	return &ReplicationSettings{
		MaxDeletedCount:   2048,
		MaxChangedCount:   2048,
		ReliableTransport: false,
	}
}

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		AuthTimeout:        2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}
