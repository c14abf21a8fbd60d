package workergrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pkt.systems/pslog"
	"pkt.systems/senseng/internal/worker"
	"pkt.systems/senseng/schema"
)

// Client is a worker.Session backed by a remote worker.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	log    pslog.Logger
}

var _ worker.Session = (*Client)(nil)

// Dial creates a client for the worker at addr. See Server.ListenAndServe for
// the address forms. The connection is established lazily.
func Dial(ctx context.Context, addr string, logger pslog.Logger) (*Client, error) {
	if addr == "" {
		return nil, errors.New("worker address is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	network, address := splitAddress(addr)
	dialer := func(ctx context.Context, target string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, target)
	}
	conn, err := grpc.NewClient(
		"passthrough:///"+address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
	)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, logger.With("worker_addr", addr)), nil
}

// NewClient wraps an existing connection. The client owns conn and closes it
// on Close.
func NewClient(conn *grpc.ClientConn, logger pslog.Logger) *Client {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	logger.Debug("worker grpc client created")
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn), log: logger}
}

// WaitReady polls the worker health service until it reports serving or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			c.log.Info("worker grpc ready")
			return nil
		}
		if err != nil {
			c.log.Trace("worker grpc health check failed", "err", err)
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("%w: %v", ctx.Err(), err)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Execute implements worker.Session.
func (c *Client) Execute(ctx context.Context, code string, text func(string)) (worker.Message, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], executeMethod)
	if err != nil {
		return worker.Message{}, fromStatus(err)
	}
	cs := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := cs.SendMsg(wrapperspb.String(code)); err != nil {
		return worker.Message{}, fromStatus(err)
	}
	if err := cs.CloseSend(); err != nil {
		return worker.Message{}, fromStatus(err)
	}
	for {
		out, err := cs.Recv()
		if err == io.EOF {
			return worker.Message{}, fmt.Errorf("%w: stream ended without a reply", schema.ErrWorkerExited)
		}
		if err != nil {
			return worker.Message{}, fromStatus(err)
		}
		msg, err := fromStruct(out)
		if err != nil {
			return worker.Message{}, err
		}
		if msg.Type == worker.MessageText {
			if text != nil {
				text(msg.Value)
			}
			continue
		}
		return msg, nil
	}
}

// Complete implements worker.Session.
func (c *Client) Complete(ctx context.Context, prefix string) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, completeMethod, wrapperspb.String(prefix), out); err != nil {
		return nil, fromStatus(err)
	}
	return toCandidates(out), nil
}

// Interrupt implements worker.Session.
func (c *Client) Interrupt(ctx context.Context) error {
	if err := c.conn.Invoke(ctx, interruptMethod, &emptypb.Empty{}, new(emptypb.Empty)); err != nil {
		return fromStatus(err)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", schema.ErrWorkerBusy, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", schema.ErrWorkerExited, st.Message())
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	default:
		return err
	}
}
