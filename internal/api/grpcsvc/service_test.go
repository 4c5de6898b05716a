package grpcsvc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/superdarn/timingd/internal/card"
	"github.com/superdarn/timingd/internal/devices"
	"github.com/superdarn/timingd/internal/pci"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func startServer(t *testing.T, dm *devices.Manager) (*EventStreamer, *grpc.ClientConn) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	streamer := NewEventStreamer()
	srv := grpc.NewServer()
	Register(srv, NewCardEventsService(streamer, dm, zaptest.NewLogger(t)))
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		streamer.Close()
		srv.Stop()
	})
	return streamer, conn
}

func openStream(t *testing.T, ctx context.Context, conn *grpc.ClientConn, req *structpb.Struct) grpc.ClientStream {
	t.Helper()
	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], StreamMethod)
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}
	if err := stream.SendMsg(req); err != nil {
		t.Fatalf("SendMsg failed: %v", err)
	}
	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend failed: %v", err)
	}
	return stream
}

func waitSubscribers(t *testing.T, s *EventStreamer, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.SubscriberCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", n, s.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamFiltersEvents(t *testing.T) {
	streamer, conn := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := structpb.NewStruct(map[string]any{"events": []any{"dma_complete"}})
	stream := openStream(t, ctx, conn, req)
	waitSubscribers(t, streamer, 1)

	streamer.Publish(card.Event{Type: card.EventDMAStarted, Slot: 5, Count: 64})
	streamer.Publish(card.Event{Type: card.EventDMAComplete, Slot: 5, Meaning: "dma_done"})

	msg := new(structpb.Struct)
	if err := stream.RecvMsg(msg); err != nil {
		t.Fatalf("RecvMsg failed: %v", err)
	}
	fields := msg.GetFields()
	if fields["type"].GetStringValue() != "dma_complete" || fields["slot"].GetNumberValue() != 5 {
		t.Errorf("unexpected event %v", msg)
	}

	cancel()
	waitSubscribers(t, streamer, 0)
}

func TestStreamRejectsBadFilter(t *testing.T) {
	_, conn := startServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := structpb.NewStruct(map[string]any{"events": "dma_complete"})
	stream := openStream(t, ctx, conn, req)

	err := stream.RecvMsg(new(structpb.Struct))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestGetStatus(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dm, err := devices.NewManager([]string{"../../../configs/profiles"}, logger)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	_, conn := startServer(t, dm)
	ctx := context.Background()

	out := new(structpb.Struct)
	err = conn.Invoke(ctx, GetStatusMethod, &structpb.Struct{}, out)
	if status.Code(err) != codes.Unavailable {
		t.Errorf("detached: expected Unavailable, got %v", err)
	}

	bus := pci.NewSimBus(0x144A, 0x7300, map[int]int{0: 0x100, 2: 0x40})
	if _, err := dm.Attach(bus, "adlink-pci7300a", devices.AttachOptions{}); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer dm.Detach()

	if err := conn.Invoke(ctx, GetStatusMethod, &structpb.Struct{}, out); err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !out.GetFields()["attached"].GetBoolValue() {
		t.Errorf("unexpected status %v", out)
	}
	if n := len(out.GetFields()["slots"].GetListValue().GetValues()); n != 13 {
		t.Errorf("expected 13 slots, got %d", n)
	}
}
