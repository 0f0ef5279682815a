package api

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/motionamp/internal/engine"
	"github.com/banshee-data/motionamp/internal/monitoring"
)

var grpcLogf = monitoring.Component("gRPC")

const (
	progressServiceName = "motionamp.v1.Progress"
	watchMethod         = "/" + progressServiceName + "/Watch"

	// Only progress crosses this stream, never frames.
	maxMsgSize = 1 * 1024 * 1024 // 1 MB
)

// ProgressServer is the server side of motionamp.v1.Progress.
type ProgressServer interface {
	Watch(*emptypb.Empty, grpc.ServerStream) error
}

var progressServiceDesc = grpc.ServiceDesc{
	ServiceName: progressServiceName,
	HandlerType: (*ProgressServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "motionamp/v1/progress.proto",
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ProgressServer).Watch(in, stream)
}

// ProgressService streams the engine's run events to gRPC clients. Each
// client first receives a "state" message with the current snapshot, then
// every event published while it stays connected.
type ProgressService struct {
	engine *engine.Engine
	bcast  *engine.Broadcaster
	buffer int

	clients atomic.Int64
}

var _ ProgressServer = (*ProgressService)(nil)

// NewProgressService watches bcast. eng supplies the initial snapshot and
// may be nil.
func NewProgressService(eng *engine.Engine, bcast *engine.Broadcaster) *ProgressService {
	return &ProgressService{engine: eng, bcast: bcast, buffer: engine.DefaultSubscriberBuffer}
}

// Register adds the service to s.
func (p *ProgressService) Register(s *grpc.Server) {
	s.RegisterService(&progressServiceDesc, p)
}

// Clients returns the number of connected watchers.
func (p *ProgressService) Clients() int { return int(p.clients.Load()) }

// Watch implements ProgressServer.
func (p *ProgressService) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ctx := stream.Context()
	events, cancel := p.bcast.Subscribe(p.buffer)
	defer cancel()

	n := p.clients.Add(1)
	defer p.clients.Add(-1)
	grpcLogf("watcher connected (total: %d)", n)

	if p.engine != nil {
		msg, err := stateToStruct(p.engine.State())
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			grpcLogf("watcher disconnected: %v", ctx.Err())
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			msg, err := eventToStruct(ev)
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				grpcLogf("send error: %v", err)
				return err
			}
		}
	}
}

func eventToStruct(ev engine.Event) (*structpb.Struct, error) {
	m := map[string]any{
		"type":             string(ev.Type),
		"run_id":           ev.RunID,
		"strategy":         string(ev.Strategy),
		"progress_percent": ev.Percent,
		"current_frame":    ev.CurrentFrame,
		"total_frames":     ev.TotalFrames,
		"fps":              ev.FPS,
	}
	if ev.Error != "" {
		m["error"] = ev.Error
	}
	if md := ev.Metadata; md != nil {
		m["metadata"] = map[string]any{
			"run_id":          md.RunID,
			"frame_count":     md.FrameCount,
			"elapsed_seconds": md.ElapsedSeconds,
			"strategy_used":   string(md.StrategyUsed),
		}
	}
	return structpb.NewStruct(m)
}

func stateToStruct(st engine.RunState) (*structpb.Struct, error) {
	m := map[string]any{
		"type":             "state",
		"status":           string(st.Status),
		"run_id":           st.RunID,
		"strategy":         string(st.Strategy),
		"progress_percent": st.ProgressPercent,
		"current_frame":    st.CurrentFrame,
		"total_frames":     st.FrameCount,
	}
	if st.Error != "" {
		m["error"] = st.Error
	}
	return structpb.NewStruct(m)
}

// GRPCServer hosts the progress service on a listener.
type GRPCServer struct {
	server  *grpc.Server
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewGRPCServer builds a gRPC server with svc registered.
func NewGRPCServer(svc *ProgressService) *GRPCServer {
	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	svc.Register(s)
	return &GRPCServer{server: s}
}

// Start serves on addr in the background.
func (g *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	g.Serve(lis)
	return nil
}

// Serve serves on lis in the background.
func (g *GRPCServer) Serve(lis net.Listener) {
	g.running.Store(true)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		grpcLogf("progress service listening on %s", lis.Addr())
		if err := g.server.Serve(lis); err != nil && g.running.Load() {
			grpcLogf("server error: %v", err)
		}
	}()
}

// Stop closes the listener and ends every open Watch stream.
func (g *GRPCServer) Stop() {
	if !g.running.Swap(false) {
		return
	}
	g.server.Stop()
	g.wg.Wait()
	grpcLogf("server stopped")
}

// ProgressStream is the client side of a Watch call.
type ProgressStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next message. It returns io.EOF when the server
// closes the stream.
func (s *ProgressStream) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := s.stream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// WatchProgress opens a Watch stream on conn.
func WatchProgress(ctx context.Context, conn grpc.ClientConnInterface) (*ProgressStream, error) {
	stream, err := conn.NewStream(ctx, &progressServiceDesc.Streams[0], watchMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &ProgressStream{stream: stream}, nil
}
