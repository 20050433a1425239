package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/wire"
)

const (
	// transportService is the manual gRPC service name.
	transportService = "hive.Transport"

	// invokeFullMethod is the full method path of the invoke RPC.
	invokeFullMethod = "/hive.Transport/Invoke"

	// defaultServerKeepaliveTime is how often the server pings idle
	// connections.
	defaultServerKeepaliveTime = 30 * time.Second

	// defaultServerKeepaliveTimeout is how long a ping may go
	// unanswered before the connection is closed.
	defaultServerKeepaliveTimeout = 10 * time.Second
)

// ServerConfig assembles a transport Server.
type ServerConfig struct {
	// ListenAddr is the host:port to bind. Port 0 picks a free port.
	ListenAddr string

	// Handler serves decoded inbound requests.
	Handler Handler
}

// Server hosts the inter-silo invoke RPC.
type Server struct {
	cfg  ServerConfig
	grpc *grpc.Server
	lis  net.Listener
}

// NewServer creates an unstarted server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{cfg: cfg}
}

// Start binds the listener and begins serving.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w",
			s.cfg.ListenAddr, err)
	}
	s.lis = lis

	s.grpc = grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    defaultServerKeepaliveTime,
			Timeout: defaultServerKeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(s.logInterceptor),
	)
	s.grpc.RegisterService(&grpc.ServiceDesc{
		ServiceName: transportService,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Invoke",
			Handler:    invokeRPCHandler,
		}},
	}, s)

	go func() {
		if err := s.grpc.Serve(lis); err != nil {
			log.Errorf("Transport server exited: %v", err)
		}
	}()

	log.Infof("Transport server listening on %s", lis.Addr())

	return nil
}

// Addr returns the bound address, useful when ListenAddr used port 0.
func (s *Server) Addr() string {
	if s.lis == nil {
		return s.cfg.ListenAddr
	}

	return s.lis.Addr().String()
}

// Stop drains in-flight RPCs and shuts the server down.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// invokeRPCHandler adapts the manual service descriptor to the server's
// invoke method.
func invokeRPCHandler(srv any, ctx context.Context, dec func(any) error,
	interceptor grpc.UnaryServerInterceptor) (any, error) {

	in := new(rawMessage)
	if err := dec(in); err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*Server).invoke(ctx, req.(*rawMessage))
	}
	if interceptor == nil {
		return handler(ctx, in)
	}

	return interceptor(ctx, in, &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: invokeFullMethod,
	}, handler)
}

// invoke decodes the frame, runs the silo handler, and re-frames the
// response. Application errors travel inside the response status so their
// kind survives the hop; only transport-level failures become gRPC errors.
func (s *Server) invoke(ctx context.Context,
	in *rawMessage) (*rawMessage, error) {

	req, err := wire.DecodeRequest(in.data)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument,
			"malformed request frame: %v", err)
	}

	resp, err := s.cfg.Handler(ctx, req)
	if err != nil {
		resp = &wire.Response{
			Correlation: req.Correlation,
			Status:      errdefs.CodeFor(err),
			ErrMessage:  err.Error(),
		}
	}

	return &rawMessage{data: wire.EncodeResponse(resp)}, nil
}

// logInterceptor traces every inbound RPC.
func (s *Server) logInterceptor(ctx context.Context, req any,
	info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {

	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.ErrorS(ctx, "Inbound RPC failed", err,
			"method", info.FullMethod,
			"elapsed", time.Since(start))
		return resp, err
	}

	log.TraceS(ctx, "Inbound RPC served",
		"method", info.FullMethod,
		"elapsed", time.Since(start))

	return resp, nil
}
