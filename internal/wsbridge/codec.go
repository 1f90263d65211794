package wsbridge

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Codec names the frame encoding spoken with the bridge.
type Codec string

const (
	CodecJSON Codec = "json"
	CodecCBOR Codec = "cbor"
)

func (c Codec) Valid() bool {
	return c == CodecJSON || c == CodecCBOR
}

type frameCodec struct {
	messageType int
	marshal     func(v any) ([]byte, error)
	unmarshal   func(data []byte, v any) error
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding keeps identical requests byte-identical.
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wsbridge: cbor encoder: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wsbridge: cbor decoder: " + err.Error())
	}
}

func codecFor(c Codec) (frameCodec, error) {
	switch c {
	case "", CodecJSON:
		return frameCodec{
			messageType: websocket.TextMessage,
			marshal:     json.Marshal,
			unmarshal:   json.Unmarshal,
		}, nil
	case CodecCBOR:
		return frameCodec{
			messageType: websocket.BinaryMessage,
			marshal:     cborEnc.Marshal,
			unmarshal:   cborDec.Unmarshal,
		}, nil
	default:
		return frameCodec{}, fmt.Errorf("wsbridge: unsupported codec %q", c)
	}
}
