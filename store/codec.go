// Package store implements the host's view of the lattice data store:
// get/put/delete/list-prefix/watch over the COMPONENT_<id> and
// CONFIG_<name> keyspaces, backed by bus.KV (JetStream in production,
// buntdb or the in-memory fake otherwise).
package store

import (
	"bytes"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Values carry a one-byte flags header (just a compression bit)
// followed by the payload, so large config/secret blobs can opt into
// lz4 compression without a second wire format.
const (
	flagNone       byte = 0
	flagCompressed byte = 1 << 0

	compressThreshold = 8 << 10 // only compress values that actually benefit
)

func Encode(v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "store: encode")
	}
	if len(payload) < compressThreshold {
		return append([]byte{flagNone}, payload...), nil
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, errors.Wrap(err, "store: compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "store: compress")
	}
	return append([]byte{flagCompressed}, buf.Bytes()...), nil
}

func Decode(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return errors.New("store: empty value")
	}
	flags, payload := raw[0], raw[1:]
	if flags&flagCompressed != 0 {
		zr := lz4.NewReader(bytes.NewReader(payload))
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return errors.Wrap(err, "store: decompress")
		}
		payload = decompressed
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return errors.Wrap(err, "store: decode")
	}
	return nil
}
