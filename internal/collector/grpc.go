package collector

import (
	"context"
	"errors"
	"net"

	"github.com/danmuck/clrtrace/internal/logging"
	"github.com/danmuck/clrtrace/internal/protocol/session"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const grpcServiceName = "clrtrace.Collector"

// Unary RPC names, one per request shape.
const (
	MethodStartSession      = "StartSession"
	MethodFinishSession     = "FinishSession"
	MethodTimestampEvent    = "TimestampEvent"
	MethodTimestampIDEvent  = "TimestampIDEvent"
	MethodObjectAllocated   = "ObjectAllocated"
	MethodGenerationsUpdate = "GenerationsUpdate"
)

// cborCodec replaces protobuf on the wire; messages carry cbor keyasint tags.
type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (cborCodec) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func fullMethod(name string) string {
	return "/" + grpcServiceName + "/" + name
}

func methodFor(msg session.Message) (string, bool) {
	switch msg.(type) {
	case session.Start:
		return MethodStartSession, true
	case session.Finish:
		return MethodFinishSession, true
	case session.TimestampEvent:
		return MethodTimestampEvent, true
	case session.TimestampIDEvent:
		return MethodTimestampIDEvent, true
	case session.ObjectAllocated:
		return MethodObjectAllocated, true
	case session.GenerationsUpdate:
		return MethodGenerationsUpdate, true
	}
	return "", false
}

// GRPCTransport issues one unary call per request over a shared client
// connection.
type GRPCTransport struct {
	conn *grpc.ClientConn
}

// DialGRPC opens a client connection and waits until it is ready or ctx
// expires, so an unreachable collector fails the dial rather than the
// handshake.
func DialGRPC(ctx context.Context, addr string, cfg session.Config, opts ...grpc.DialOption) (*GRPCTransport, error) {
	if addr == "" {
		return nil, ErrAddressRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	creds := insecure.NewCredentials()
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.ClientTLSConfig(addr)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsCfg)
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(cborCodec{})),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	conn.Connect()
	for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
		if !conn.WaitForStateChange(ctx, state) {
			_ = conn.Close()
			return nil, ctx.Err()
		}
	}
	return &GRPCTransport{conn: conn}, nil
}

func (t *GRPCTransport) StartSession(ctx context.Context, start session.Start) (session.Ack, error) {
	return t.call(ctx, start)
}

func (t *GRPCTransport) FinishSession(ctx context.Context, finish session.Finish) error {
	return ackError(t.call(ctx, finish))
}

func (t *GRPCTransport) Send(ctx context.Context, msg session.Message) error {
	return ackError(t.call(ctx, msg))
}

func (t *GRPCTransport) Close() error {
	return t.conn.Close()
}

func (t *GRPCTransport) call(ctx context.Context, msg session.Message) (session.Ack, error) {
	msg = session.Value(msg)
	if err := msg.Validate(); err != nil {
		return session.Ack{}, err
	}
	method, ok := methodFor(msg)
	if !ok {
		return session.Ack{}, session.ErrUnknownMessage
	}
	var ack session.Ack
	if err := t.conn.Invoke(ctx, fullMethod(method), msg, &ack); err != nil {
		return session.Ack{}, err
	}
	return ack, nil
}

// CollectorServer is the handler type behind the grpc service.
type CollectorServer interface {
	Handle(ctx context.Context, msg session.Message) (session.Ack, error)
}

// GRPCServer serves the collector service with the CBOR codec.
type GRPCServer struct {
	sink   Sink
	log    zerolog.Logger
	server *grpc.Server
}

func NewGRPCServer(cfg session.Config, sink Sink, opts ...grpc.ServerOption) (*GRPCServer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateServerTransport(); err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	base := []grpc.ServerOption{grpc.ForceServerCodec(cborCodec{})}
	if tlsCfg != nil {
		base = append(base, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	s := &GRPCServer{
		sink:   sink,
		log:    logging.Component("collector.grpc"),
		server: grpc.NewServer(append(base, opts...)...),
	}
	s.server.RegisterService(&collectorServiceDesc, s)
	return s, nil
}

func (s *GRPCServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		s.server.GracefulStop()
	}()
	err := s.server.Serve(ln)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *GRPCServer) Stop() {
	s.server.Stop()
}

// Handle routes one decoded request. Each unary call stands alone, so
// the session is found by pid rather than by connection.
func (s *GRPCServer) Handle(ctx context.Context, msg session.Message) (session.Ack, error) {
	p := Peer{Transport: TransportGRPC}
	if pr, ok := peer.FromContext(ctx); ok {
		p.Remote = pr.Addr.String()
		if info, ok := pr.AuthInfo.(credentials.TLSInfo); ok && len(info.State.PeerCertificates) > 0 {
			p.Identity = session.PeerIdentity(info.State.PeerCertificates[0])
		}
	}
	var ack session.Ack
	msg = session.Value(msg)
	if start, ok := msg.(session.Start); ok {
		ack = s.sink.Start(p, start)
	} else {
		ack = s.sink.Record(p, msg)
	}
	if !ack.OK {
		s.log.Debug().Str("remote", p.Remote).Uint32("code", ack.Code).Msg(ack.Message)
	}
	return ack, nil
}

func grpcHandler(name string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req, err := newRequest(name)
		if err != nil {
			return nil, err
		}
		if err := dec(req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
		}
		handle := func(ctx context.Context, req any) (any, error) {
			ack, err := srv.(CollectorServer).Handle(ctx, req.(session.Message))
			if err != nil {
				return nil, err
			}
			return &ack, nil
		}
		if interceptor == nil {
			return handle(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		return interceptor(ctx, req, info, handle)
	}
}

func newRequest(method string) (session.Message, error) {
	switch method {
	case MethodStartSession:
		return &session.Start{}, nil
	case MethodFinishSession:
		return &session.Finish{}, nil
	case MethodTimestampEvent:
		return &session.TimestampEvent{}, nil
	case MethodTimestampIDEvent:
		return &session.TimestampIDEvent{}, nil
	case MethodObjectAllocated:
		return &session.ObjectAllocated{}, nil
	case MethodGenerationsUpdate:
		return &session.GenerationsUpdate{}, nil
	}
	return nil, status.Errorf(codes.Unimplemented, "unknown method %s", method)
}

var collectorServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*CollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodStartSession, Handler: grpcHandler(MethodStartSession)},
		{MethodName: MethodFinishSession, Handler: grpcHandler(MethodFinishSession)},
		{MethodName: MethodTimestampEvent, Handler: grpcHandler(MethodTimestampEvent)},
		{MethodName: MethodTimestampIDEvent, Handler: grpcHandler(MethodTimestampIDEvent)},
		{MethodName: MethodObjectAllocated, Handler: grpcHandler(MethodObjectAllocated)},
		{MethodName: MethodGenerationsUpdate, Handler: grpcHandler(MethodGenerationsUpdate)},
	},
	Metadata: "clrtrace/collector",
}
