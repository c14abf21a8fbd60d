package workergrpc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pkt.systems/pslog"
	"pkt.systems/senseng/internal/worker"
	"pkt.systems/senseng/schema"
)

// Server serves one language evaluator over gRPC. Requests are serialized the
// same way as on the stdio worker: a second Execute while one runs is refused.
type Server struct {
	session *worker.Local
	logger  pslog.Logger
	health  *health.Server
}

// NewServer constructs a worker gRPC server for ev.
func NewServer(ev worker.Evaluator) *Server {
	return &Server{session: worker.NewLocal(ev), health: health.NewServer()}
}

// Register installs the worker and health services on g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(g, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// ListenAndServe listens on addr until ctx is done. Addresses starting with
// "unix:" or "/" are Unix domain sockets, anything else is TCP.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("worker listen address is required")
	}
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	network, address := splitAddress(addr)
	if network == "unix" {
		if err := os.MkdirAll(filepath.Dir(address), 0o755); err != nil {
			return err
		}
		_ = os.Remove(address)
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary), grpc.ChainStreamInterceptor(s.logStream))
	s.Register(grpcServer)
	s.logger.Info("worker grpc listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			grpcServer.Stop()
		}
		_ = s.session.Close()
		s.logger.Info("worker grpc stopped")
		return nil
	case err := <-errCh:
		_ = s.session.Close()
		return err
	}
}

// Execute streams text messages followed by one terminal message.
func (s *Server) Execute(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	log := s.log().With("code", previewCode(req.GetValue()))
	log.Debug("worker grpc execute")
	send := func(msg worker.Message) error {
		out, err := toStruct(msg)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		return stream.Send(out)
	}
	msg, err := s.session.Execute(stream.Context(), req.GetValue(), func(text string) {
		if err := send(worker.Message{Type: worker.MessageText, Value: text}); err != nil {
			log.Warn("worker grpc text send failed", "err", err)
		}
	})
	if err != nil {
		return toStatus(err)
	}
	return send(msg)
}

// Complete returns completion candidates for a prefix.
func (s *Server) Complete(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	candidates, err := s.session.Complete(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	values := make([]any, len(candidates))
	for i, candidate := range candidates {
		values[i] = candidate
	}
	list, err := structpb.NewList(values)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return list, nil
}

// Interrupt cancels the running execution, if any.
func (s *Server) Interrupt(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.log().Info("worker grpc interrupt")
	if err := s.session.Interrupt(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) log() pslog.Logger {
	if s.logger == nil {
		return pslog.Ctx(context.Background())
	}
	return s.logger
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	started := time.Now()
	resp, err := handler(ctx, req)
	s.log().Trace("worker grpc call", "method", info.FullMethod, "duration", time.Since(started), "err", err)
	return resp, err
}

func (s *Server) logStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	started := time.Now()
	err := handler(srv, ss)
	s.log().Trace("worker grpc stream", "method", info.FullMethod, "duration", time.Since(started), "err", err)
	return err
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, schema.ErrWorkerBusy):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, schema.ErrWorkerExited):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func splitAddress(addr string) (string, string) {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return "unix", strings.TrimPrefix(addr, "unix://")
	case strings.HasPrefix(addr, "unix:"):
		return "unix", strings.TrimPrefix(addr, "unix:")
	case strings.HasPrefix(addr, "/"):
		return "unix", addr
	default:
		return "tcp", addr
	}
}

func previewCode(code string) string {
	const max = 80
	code = strings.ReplaceAll(code, "\n", "\\n")
	if len(code) <= max {
		return code
	}
	return code[:max] + "..."
}
