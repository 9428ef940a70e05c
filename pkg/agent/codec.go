package agent

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// CodecName is the grpc content-subtype carrying msgpack frames.
const CodecName = "msgpack"

// codec satisfies grpc's encoding.Codec over msgpack, so the agent RPC
// surface works with plain Go structs instead of generated stubs.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(codec{})
}
