package usersession

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// msgpackCodecName replaces gRPC's default "proto" codec: the query
// service's request/response types are plain structs, not generated
// protobuf messages, so they are framed with the same msgpack library used
// for every other wire type in this node instead of pulling in protoc.
const msgpackCodecName = "proto"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

func (msgpackCodec) Name() string {
	return msgpackCodecName
}
