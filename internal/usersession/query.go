package usersession

import (
	"context"

	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"google.golang.org/grpc"

	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/internal/ledger"
	"github.com/hpcore/hpcore/pkg/hash"
)

// QueryBySeqNoRequest asks for the ledger record committed at SeqNo.
type QueryBySeqNoRequest struct {
	SeqNo uint64
}

// QueryBySeqNoResponse carries the requested ledger record's public fields.
type QueryBySeqNoResponse struct {
	SeqNo      uint64
	Timestamp  int64
	LedgerHash hash.H32
	StateHash  hash.H32
}

// QueryOwnRequest asks for the caller's own inputs/outputs at SeqNo.
type QueryOwnRequest struct {
	Pubkey []byte
	SeqNo  uint64
}

// QueryOwnResponse carries the caller's input/output rows at SeqNo, if any.
type QueryOwnResponse struct {
	Input  *ledger.UserInput
	Output *ledger.UserOutput
}

// QueryByHashRequest asks for the input row matching Hash.
type QueryByHashRequest struct {
	Hash hash.H32
}

// QueryByHashResponse carries the matched input row.
type QueryByHashResponse struct {
	Input ledger.UserInput
}

// QueryServer implements the read-only ledger query surface described in
// spec §4.G: "by seq-no, filtered to the caller's own inputs/outputs, and
// input-by-hash". concurrent_read_requests bounds how many of these run at
// once (spec §4.G, enforced via sem).
type QueryServer struct {
	ledger *ledger.Store
	sem    chan struct{}
}

// NewQueryServer builds a QueryServer bounding concurrent queries to
// maxConcurrent.
func NewQueryServer(store *ledger.Store, maxConcurrent int) *QueryServer {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &QueryServer{ledger: store, sem: make(chan struct{}, maxConcurrent)}
}

func (q *QueryServer) acquire(ctx context.Context) error {
	select {
	case q.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return corerr.New(corerr.QuotaExceeded, ctx.Err())
	}
}

func (q *QueryServer) release() { <-q.sem }

// QueryBySeqNo looks up the ledger record committed at req.SeqNo.
func (q *QueryServer) QueryBySeqNo(ctx context.Context, req *QueryBySeqNoRequest) (*QueryBySeqNoResponse, error) {
	if err := q.acquire(ctx); err != nil {
		return nil, err
	}
	defer q.release()

	rec, err := q.ledger.GetLedgerBySeqNo(req.SeqNo)
	if err != nil {
		return nil, err
	}

	return &QueryBySeqNoResponse{
		SeqNo:      rec.SeqNo,
		Timestamp:  rec.Timestamp,
		LedgerHash: rec.LedgerHash,
		StateHash:  rec.StateHash,
	}, nil
}

// QueryOwn returns the caller's own input/output rows at req.SeqNo.
func (q *QueryServer) QueryOwn(ctx context.Context, req *QueryOwnRequest) (*QueryOwnResponse, error) {
	if err := q.acquire(ctx); err != nil {
		return nil, err
	}
	defer q.release()

	resp := &QueryOwnResponse{}

	inputs, err := q.ledger.GetUserInputsBySeqNo(req.SeqNo)
	if err != nil {
		return nil, err
	}
	for i := range inputs {
		if bytesEqual(inputs[i].Pubkey, req.Pubkey) {
			resp.Input = &inputs[i]
			break
		}
	}

	outputs, err := q.ledger.GetUserOutputsBySeqNo(req.SeqNo)
	if err != nil {
		return nil, err
	}
	for i := range outputs {
		if bytesEqual(outputs[i].Pubkey, req.Pubkey) {
			resp.Output = &outputs[i]
			break
		}
	}

	return resp, nil
}

// QueryByHash looks up the input row matching req.Hash.
func (q *QueryServer) QueryByHash(ctx context.Context, req *QueryByHashRequest) (*QueryByHashResponse, error) {
	if err := q.acquire(ctx); err != nil {
		return nil, err
	}
	defer q.release()

	in, err := q.ledger.GetUserInputByHash(req.Hash)
	if err != nil {
		return nil, err
	}
	return &QueryByHashResponse{Input: *in}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// queryServiceDesc is a hand-written grpc.ServiceDesc: the query surface's
// request/response types are plain Go structs framed by msgpackCodec, so
// there is no .proto file to run protoc against, matching
// internal/api/api.go's APIHandler.Desc() pattern of registering a
// *grpc.ServiceDesc directly with the server.
// queryServerIface matches the methods grpc.Server.RegisterService checks
// sd.HandlerType against; RegisterService requires an interface type here.
type queryServerIface interface {
	QueryBySeqNo(ctx context.Context, req *QueryBySeqNoRequest) (*QueryBySeqNoResponse, error)
	QueryOwn(ctx context.Context, req *QueryOwnRequest) (*QueryOwnResponse, error)
	QueryByHash(ctx context.Context, req *QueryByHashRequest) (*QueryByHashResponse, error)
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: "hpcore.usersession.Query",
	HandlerType: (*queryServerIface)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "QueryBySeqNo", Handler: queryBySeqNoHandler},
		{MethodName: "QueryOwn", Handler: queryOwnHandler},
		{MethodName: "QueryByHash", Handler: queryByHashHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/usersession/query.go",
}

func queryBySeqNoHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(QueryBySeqNoRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*QueryServer).QueryBySeqNo(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hpcore.usersession.Query/QueryBySeqNo"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*QueryServer).QueryBySeqNo(ctx, req.(*QueryBySeqNoRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func queryOwnHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(QueryOwnRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*QueryServer).QueryOwn(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hpcore.usersession.Query/QueryOwn"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*QueryServer).QueryOwn(ctx, req.(*QueryOwnRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func queryByHashHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(QueryByHashRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*QueryServer).QueryByHash(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/hpcore.usersession.Query/QueryByHash"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*QueryServer).QueryByHash(ctx, req.(*QueryByHashRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// NewGRPCServer builds the interceptor-wrapped grpc.Server serving q,
// mirroring internal/api/grpc.go's newGRPCServer + RegisterService pairing.
func NewGRPCServer(q *QueryServer) *grpc.Server {
	g := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpc_recovery.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpc_recovery.StreamServerInterceptor()),
	)
	g.RegisterService(&queryServiceDesc, q)
	return g
}
