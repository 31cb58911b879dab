// Package rpcserver wraps a grpc.Server bound to a real listener together
// with an in-process loopback *grpc.ClientConn, reconstructing the shape of
// dwarri-gazette's internal `server` package as used in consumer/service.go
// (server.GRPCServer, server.GRPCLoopback, server.GracefulStop). That
// package is itself internal to the teacher repository and not separately
// fetchable.
package rpcserver

import (
	"context"
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Server bundles a grpc.Server with the listener it serves and a loopback
// connection other components may use to reach it without a TCP round-trip
// savings (mirrors server.Server.GRPCLoopback in the teacher).
type Server struct {
	GRPCServer  *grpc.Server
	GRPCLoopback *grpc.ClientConn
	listener    net.Listener
}

// New binds a grpc.Server to addr and dials a loopback connection to it.
// The dial does not wait for the connection to come up, so New returns
// before Serve is called.
func New(ctx context.Context, addr string, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "binding listener")
	}
	var srv = grpc.NewServer(opts...)

	loopback, err := grpc.DialContext(ctx, lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		_ = lis.Close()
		return nil, errors.Wrap(err, "dialing loopback")
	}
	return &Server{GRPCServer: srv, GRPCLoopback: loopback, listener: lis}, nil
}

// Addr returns the bound network address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve blocks, accepting connections until GracefulStop is called.
func (s *Server) Serve() error {
	if err := s.GRPCServer.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// GracefulStop stops accepting new RPCs, waits for in-flight RPCs to
// complete, and closes the loopback connection.
func (s *Server) GracefulStop() {
	s.GRPCServer.GracefulStop()
	if err := s.GRPCLoopback.Close(); err != nil {
		log.WithField("err", err).Warn("closing loopback connection")
	}
}
