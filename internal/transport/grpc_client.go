package transport

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/roasbeef/hive/internal/errdefs"
	"github.com/roasbeef/hive/internal/wire"
)

// GRPCClient is an Invoker over gRPC with one cached connection per remote
// endpoint. Connections dial lazily and reconnect on their own.
type GRPCClient struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCClient creates an empty connection pool.
func NewGRPCClient() *GRPCClient {
	return &GRPCClient{
		conns: make(map[string]*grpc.ClientConn),
	}
}

// Invoke implements Invoker.
func (c *GRPCClient) Invoke(ctx context.Context, endpoint string,
	req *wire.Request) (*wire.Response, error) {

	conn, err := c.conn(endpoint)
	if err != nil {
		return nil, err
	}

	in := &rawMessage{data: wire.EncodeRequest(req)}
	out := new(rawMessage)

	err = conn.Invoke(ctx, invokeFullMethod, in, out)
	if err != nil {
		return nil, mapRPCError(endpoint, err)
	}

	return wire.DecodeResponse(out.data)
}

// Close implements Invoker.
func (c *GRPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for endpoint, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, endpoint)
	}

	return firstErr
}

func (c *GRPCClient) conn(endpoint string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[endpoint]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnreachable, err,
			"failed to dial %s", endpoint)
	}
	c.conns[endpoint] = conn

	return conn, nil
}

// mapRPCError folds gRPC status codes into the error taxonomy.
func mapRPCError(endpoint string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return errdefs.Wrap(errdefs.KindUnreachable, err,
			"rpc to %s", endpoint)
	}

	switch st.Code() {
	case codes.DeadlineExceeded:
		return errdefs.Wrap(errdefs.KindTimeout, err,
			"rpc to %s", endpoint)

	case codes.Canceled:
		return errdefs.Wrap(errdefs.KindCancelled, err,
			"rpc to %s", endpoint)

	case codes.InvalidArgument:
		return errdefs.Wrap(errdefs.KindMarshalling, err,
			"rpc to %s", endpoint)

	default:
		return errdefs.Wrap(errdefs.KindUnreachable, err,
			"rpc to %s", endpoint)
	}
}
