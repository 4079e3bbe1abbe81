package node

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/internal/wire"
	"github.com/shrtyk/eventlog-core/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type GRPCServer interface {
	Start() error
	Stop() error
	// Addr returns the bound address once started.
	Addr() string
}

type grpcServer struct {
	n      *Node
	addr   string
	server *grpc.Server
	wg     sync.WaitGroup

	mu    sync.Mutex
	bound net.Addr
}

// NewGRPCServer creates the gRPC server exposing the write and replication
// services of n.
func NewGRPCServer(n *Node, addr string) GRPCServer {
	s := grpc.NewServer()
	wire.RegisterWritesServer(s, &writesService{n: n})
	wire.RegisterReplicationServer(s, &replicationService{n: n})
	return &grpcServer{
		n:      n,
		addr:   addr,
		server: s,
	}
}

// Start starts the gRPC server
func (s *grpcServer) Start() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.bound = l.Addr()
	s.mu.Unlock()

	s.n.logger.Info("starting gRPC server", "addr", l.Addr().String())
	s.wg.Go(func() {
		if err := s.server.Serve(l); err != nil && err != grpc.ErrServerStopped {
			s.n.logger.Error("gRPC server failed", logger.ErrAttr(err))
		}
	})

	return nil
}

// Stop stops the gRPC server. Pending calls are cancelled.
func (s *grpcServer) Stop() error {
	if s.server != nil {
		s.server.Stop()
	}
	s.wg.Wait()
	return nil
}

func (s *grpcServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == nil {
		return s.addr
	}
	return s.bound.String()
}

// writesService serves eventlog.v1.Writes on top of the request coordinator.
type writesService struct {
	n *Node
}

var _ wire.WritesServer = (*writesService)(nil)

func (w *writesService) WriteEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return w.submit(ctx, api.KindWriteEvents, in)
}

func (w *writesService) DeleteStream(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return w.submit(ctx, api.KindDeleteStream, in)
}

func (w *writesService) TransactionStart(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return w.submit(ctx, api.KindTransactionStart, in)
}

func (w *writesService) TransactionWrite(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return w.submit(ctx, api.KindTransactionWrite, in)
}

func (w *writesService) TransactionCommit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return w.submit(ctx, api.KindTransactionCommit, in)
}

func (w *writesService) IsLeader(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"leader": w.n.coord.Stats().Role == api.RoleLeader.String(),
	})
}

// submit hands the decoded command to the coordinator and waits for its
// single reply. Operations disposed on leadership loss never reply, so the
// call then ends with the caller's deadline.
func (w *writesService) submit(ctx context.Context, kind api.OperationKind, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := wire.DecodeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	env := api.NewChanEnvelope()
	cmd, err := req.Command(kind, env)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	w.n.coord.Submit(cmd)
	select {
	case r := <-env:
		return wire.EncodeResult(r)
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

// replicationService receives match positions of remote replicas.
type replicationService struct {
	n *Node
}

var _ wire.ReplicationServer = (*replicationService)(nil)

func (r *replicationService) Ack(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	replica, pos, err := wire.DecodeAck(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if replica == "" || pos < 0 {
		return nil, status.Error(codes.InvalidArgument, "replica and position are required")
	}
	if err := r.n.tracker.Ack(replica, api.Position(pos)); err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return structpb.NewStruct(map[string]any{
		"quorum": strconv.FormatInt(int64(r.n.tracker.QuorumPosition()), 10),
	})
}
