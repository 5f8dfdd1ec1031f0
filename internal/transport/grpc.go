package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ssd-technologies/covalue/internal/cojson"
)

// The sync service carries JSON sync messages in protobuf BytesValue
// frames, so no codegen toolchain is needed.
//
//	service Sync { rpc Sync(stream google.protobuf.BytesValue) returns (stream google.protobuf.BytesValue); }
const syncMethod = "/covalue.sync.v1.Sync/Sync"

// SyncServer accepts sync streams.
type SyncServer interface {
	Sync(grpc.ServerStream) error
}

// RegisterSyncServer registers the sync service on a gRPC server.
func RegisterSyncServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&Sync_ServiceDesc, srv)
}

func _Sync_Sync_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(SyncServer).Sync(stream)
}

// Sync_ServiceDesc is the grpc.ServiceDesc for the sync service.
var Sync_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "covalue.sync.v1.Sync",
	HandlerType: (*SyncServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			Handler:       _Sync_Sync_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "sync.proto",
}

// AcceptFunc takes ownership of an accepted stream. The stream stays open
// until conn is closed or the client goes away.
type AcceptFunc func(conn Conn)

// GRPCServer hands every incoming sync stream to Accept.
type GRPCServer struct {
	Accept AcceptFunc
}

func (s *GRPCServer) Sync(stream grpc.ServerStream) error {
	conn := newStreamConn(stream, nil)
	s.Accept(conn)
	select {
	case <-conn.Done():
	case <-stream.Context().Done():
		conn.Close()
	}
	return nil
}

type msgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
	Context() context.Context
}

// GRPCConn adapts a bidirectional sync stream to cojson.Conn.
type GRPCConn struct {
	stream msgStream
	wmu    sync.Mutex

	in     chan []byte
	recvErr error // set before in is closed

	closeFn func() error
	done    chan struct{}
	once    sync.Once
}

var _ Conn = (*GRPCConn)(nil)

func newStreamConn(stream msgStream, closeFn func() error) *GRPCConn {
	c := &GRPCConn{stream: stream, in: make(chan []byte), closeFn: closeFn, done: make(chan struct{})}
	go c.pump()
	return c
}

// pump is the only caller of RecvMsg.
func (c *GRPCConn) pump() {
	defer close(c.in)
	for {
		frame := new(wrapperspb.BytesValue)
		if err := c.stream.RecvMsg(frame); err != nil {
			c.recvErr = err
			return
		}
		select {
		case c.in <- frame.GetValue():
		case <-c.done:
			c.recvErr = cojson.ErrClosed
			return
		}
	}
}

// DialOptions configures DialGRPC.
type DialOptions struct {
	// Timeout applies to the initial dial when non-zero.
	Timeout time.Duration

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int
}

// DialGRPC connects to a sync server at target and opens one stream.
func DialGRPC(ctx context.Context, target string, opts DialOptions, extra ...grpc.DialOption) (*GRPCConn, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}
	dialOpts = append(dialOpts, extra...)

	dctx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	cc, err := grpc.DialContext(dctx, target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	conn, err := OpenSync(cc)
	if err != nil {
		cc.Close()
		return nil, err
	}
	inner := conn.closeFn
	conn.closeFn = func() error {
		inner()
		return cc.Close()
	}
	return conn, nil
}

// OpenSync opens a sync stream on an existing client connection.
func OpenSync(cc grpc.ClientConnInterface) (*GRPCConn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := cc.NewStream(ctx, &Sync_ServiceDesc.Streams[0], syncMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open sync stream: %w", err)
	}
	return newStreamConn(stream, func() error {
		err := stream.CloseSend()
		cancel()
		return err
	}), nil
}

func (c *GRPCConn) Send(ctx context.Context, msg cojson.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.done:
		return cojson.ErrClosed
	default:
	}
	if err := c.stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (c *GRPCConn) Recv(ctx context.Context) (cojson.Message, error) {
	var msg cojson.Message
	select {
	case data, ok := <-c.in:
		if !ok {
			return msg, fmt.Errorf("recv: %w", c.recvErr)
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return msg, fmt.Errorf("decode: %w", err)
		}
		return msg, nil
	case <-ctx.Done():
		return msg, ctx.Err()
	case <-c.done:
		return msg, cojson.ErrClosed
	}
}

// Close ends the stream. On the server side the handler returns, which
// ends the RPC.
func (c *GRPCConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if c.closeFn != nil {
			err = c.closeFn()
		}
	})
	return err
}

func (c *GRPCConn) Done() <-chan struct{} { return c.done }
