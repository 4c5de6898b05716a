// Package grpcsvc serves card events and status over gRPC. Messages are
// google.protobuf.Struct values so no generated code is needed.
package grpcsvc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/superdarn/timingd/internal/card"
	"github.com/superdarn/timingd/internal/devices"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName     = "timingd.v1.CardEvents"
	StreamMethod    = "/" + ServiceName + "/Stream"
	GetStatusMethod = "/" + ServiceName + "/GetStatus"
)

// CardEventsServer is the server API for timingd.v1.CardEvents.
type CardEventsServer interface {
	// Stream sends card events. The request may carry "events", a list of
	// event types to receive; empty means all.
	Stream(req *structpb.Struct, stream grpc.ServerStream) error
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type CardEventsService struct {
	streamer *EventStreamer
	dm       *devices.Manager
	logger   *zap.Logger
}

func NewCardEventsService(streamer *EventStreamer, dm *devices.Manager, logger *zap.Logger) *CardEventsService {
	return &CardEventsService{
		streamer: streamer,
		dm:       dm,
		logger:   logger,
	}
}

func (s *CardEventsService) Stream(req *structpb.Struct, stream grpc.ServerStream) error {
	filter, err := eventFilter(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	ch := s.streamer.Subscribe()
	defer s.streamer.Unsubscribe(ch)

	s.logger.Debug("Event stream opened", zap.Int("filter", len(filter)))

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if len(filter) > 0 && !filter[string(e.Type)] {
				continue
			}

			msg, err := toStruct(e)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (s *CardEventsService) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.dm.Card()
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	msg, err := toStruct(c.Status())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return msg, nil
}

func eventFilter(req *structpb.Struct) (map[string]bool, error) {
	v, ok := req.GetFields()["events"]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("events must be a list of strings")
	}

	filter := make(map[string]bool)
	for _, item := range list.GetValues() {
		name, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("events must be a list of strings")
		}
		filter[name.StringValue] = true
	}
	return filter, nil
}

// toStruct converts a JSON-tagged value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return structpb.NewStruct(m)
}

func _CardEvents_Stream_Handler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(CardEventsServer).Stream(req, stream)
}

func _CardEvents_GetStatus_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(structpb.Struct)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CardEventsServer).GetStatus(ctx, req)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetStatusMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CardEventsServer).GetStatus(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, req, info, handler)
}

// ServiceDesc describes timingd.v1.CardEvents.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CardEventsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    _CardEvents_GetStatus_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _CardEvents_Stream_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "timingd/v1/card_events.proto",
}

func Register(s grpc.ServiceRegistrar, srv CardEventsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

var _ card.EventSink = (*EventStreamer)(nil)
