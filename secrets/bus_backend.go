package secrets

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"

	"github.com/wasmcloud/host/bus"
)

// BusTransport opens secrets backends reachable over the lattice bus
// under a configured topic prefix: requests go to
// <topic>.<backend>.get, and the backend's long-lived box public key
// is fetched once from <topic>.<backend>.server_xkey. The resolver
// falls back to this transport for any backend a descriptor names that
// was not registered explicitly.
type BusTransport struct {
	conn    bus.Conn
	topic   string
	timeout time.Duration
}

func NewBusTransport(conn bus.Conn, topic string, timeout time.Duration) *BusTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BusTransport{conn: conn, topic: topic, timeout: timeout}
}

// Open fetches the backend's server key and returns a Backend whose
// Fetch round-trips encrypted envelopes on the backend's get subject.
func (t *BusTransport) Open(ctx context.Context, backend string) (Backend, *[32]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	raw, err := t.conn.Request(cctx, t.topic+"."+backend+".server_xkey", nil)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "secrets: fetch server key for backend %q", backend)
	}
	key, err := decodeServerKey(raw)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "secrets: backend %q server key", backend)
	}
	return &busBackend{conn: t.conn, subject: t.topic + "." + backend + ".get", timeout: t.timeout}, key, nil
}

// decodeServerKey accepts the raw 32-byte key or its hex encoding,
// whichever the backend serves.
func decodeServerKey(raw []byte) (*[32]byte, error) {
	var key [32]byte
	switch len(raw) {
	case 32:
		copy(key[:], raw)
	case 64:
		if _, err := hex.Decode(key[:], raw); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unexpected key length %d", len(raw))
	}
	return &key, nil
}

type busBackend struct {
	conn    bus.Conn
	subject string
	timeout time.Duration
}

func (b *busBackend) Fetch(ctx context.Context, envelope []byte) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.conn.Request(cctx, b.subject, envelope)
}
