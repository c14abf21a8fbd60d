package workergrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pkt.systems/senseng/internal/worker"
	"pkt.systems/senseng/schema"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "senseng.worker.v1.Worker"

const (
	executeMethod   = "/" + ServiceName + "/Execute"
	completeMethod  = "/" + ServiceName + "/Complete"
	interruptMethod = "/" + ServiceName + "/Interrupt"
)

// workerService is implemented by Server. Messages are protobuf well-known
// types so the service needs no generated code: code and prefixes travel as
// StringValue, worker messages as Struct with type/value/candidates fields.
type workerService interface {
	Execute(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
	Complete(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	Interrupt(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*workerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Complete", Handler: completeHandler},
		{MethodName: "Interrupt", Handler: interruptHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Execute", Handler: executeHandler, ServerStreams: true},
	},
	Metadata: "senseng/worker/v1/worker.proto",
}

func executeHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(workerService).Execute(in, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

func completeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(workerService).Complete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: completeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(workerService).Complete(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func interruptHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(workerService).Interrupt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: interruptMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(workerService).Interrupt(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func toStruct(msg worker.Message) (*structpb.Struct, error) {
	fields := map[string]any{"type": string(msg.Type)}
	switch msg.Type {
	case worker.MessageCompletions:
		candidates := make([]any, len(msg.Candidates))
		for i, candidate := range msg.Candidates {
			candidates[i] = candidate
		}
		fields["candidates"] = candidates
	case worker.MessageReady:
	default:
		fields["value"] = msg.Value
	}
	return structpb.NewStruct(fields)
}

func fromStruct(s *structpb.Struct) (worker.Message, error) {
	if s == nil {
		return worker.Message{}, fmt.Errorf("%w: empty message", schema.ErrInvalidMessage)
	}
	fields := s.GetFields()
	msg := worker.Message{Type: worker.MessageType(fields["type"].GetStringValue())}
	switch msg.Type {
	case worker.MessageReady, worker.MessageCompletions:
	case worker.MessageResult, worker.MessageError, worker.MessageHTML, worker.MessageWidget, worker.MessageText:
		value, ok := fields["value"]
		if !ok {
			return worker.Message{}, fmt.Errorf("%w: %s without value", schema.ErrInvalidMessage, msg.Type)
		}
		msg.Value = value.GetStringValue()
	default:
		return worker.Message{}, fmt.Errorf("%w: unknown type %q", schema.ErrInvalidMessage, msg.Type)
	}
	return msg, nil
}

func toCandidates(list *structpb.ListValue) []string {
	out := make([]string, 0, len(list.GetValues()))
	for _, value := range list.GetValues() {
		out = append(out, value.GetStringValue())
	}
	return out
}
