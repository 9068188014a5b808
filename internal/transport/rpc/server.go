package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
	"github.com/xiaot623/gogo/escrowrunner/internal/service"
)

// callTimeout bounds a single RPC method.
const callTimeout = 30 * time.Second

// Server exposes internal RPC endpoints for workflow tooling and other internal clients.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	logger    *slog.Logger
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the runner service.
func NewServer(svc *service.Service, logger *slog.Logger) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName("Runner", handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Listen binds the listener. It must return before Serve or Shutdown run on
// other goroutines.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on the bound listener.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("rpc server is not listening")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("rpc accept error", "error", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements runner RPC methods.
type Handler struct {
	service *service.Service
}

// StatusArgs is the empty argument of Runner.Status.
type StatusArgs struct{}

// Enqueue queues a run.
func (h *Handler) Enqueue(req *domain.EnqueueRequest, resp *domain.Run) error {
	if req == nil {
		return errors.New("enqueue request is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	run, err := h.service.Enqueue(ctx, *req)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *run
	}
	return nil
}

// Retry puts a failed run back in the queue.
func (h *Handler) Retry(req *domain.RetryRequest, resp *domain.Run) error {
	if req == nil || req.ID == "" {
		return errors.New("id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	run, err := h.service.Retry(ctx, req.ID)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *run
	}
	return nil
}

// Status returns the scheduler snapshot.
func (h *Handler) Status(_ *StatusArgs, resp *domain.StatusSnapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	status, err := h.service.Status(ctx)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *status
	}
	return nil
}
