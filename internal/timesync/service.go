// Package timesync streams server clock samples over gRPC so receivers can estimate their
// offset before the first state batch arrives. Samples are encoded as wire clock packets and
// carried by a raw codec, so no generated stubs are involved.
package timesync

import (
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/snapshot"
	"velthoric/physsync/internal/wire"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "physsync.timesync.v1.TimeSync"
	// StreamMethod is the full method path of the clock stream.
	StreamMethod = "/" + ServiceName + "/StreamClock"
	// DefaultInterval is the cadence of streamed samples.
	DefaultInterval = time.Second
)

// clockStreamer is the handler type checked by grpc.Server.RegisterService.
type clockStreamer interface {
	streamClock(observer string, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*clockStreamer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamClock",
		Handler:       streamClockHandler,
		ServerStreams: true,
	}},
	Metadata: "physsync/timesync",
}

func streamClockHandler(srv interface{}, stream grpc.ServerStream) error {
	var req frame
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(clockStreamer).streamClock(string(req), stream)
}

// Service pushes the simulation clock to subscribed receivers.
type Service struct {
	clock    snapshot.Clock
	interval time.Duration
	log      *logging.Logger
}

// NewService wires the shared simulation clock into the stream.
func NewService(clock snapshot.Clock, interval time.Duration, logger *logging.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Service{clock: clock, interval: interval, log: logger.With(logging.String("component", "timesync"))}
}

// Register attaches the service to a gRPC server.
func (s *Service) Register(server *grpc.Server) {
	server.RegisterService(&serviceDesc, s)
}

func (s *Service) streamClock(observer string, stream grpc.ServerStream) error {
	if s == nil || s.clock == nil {
		return status.Error(codes.Unavailable, "time sync service unavailable")
	}
	if observer == "" {
		observer = "anonymous"
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	//1.- Emit an initial sample immediately to minimise startup skew.
	if err := s.sendSample(stream); err != nil {
		return err
	}
	s.log.Debug("clock stream opened", logging.String("observer", observer))

	for {
		select {
		case <-stream.Context().Done():
			s.log.Debug("clock stream closed", logging.String("observer", observer))
			return stream.Context().Err()
		case <-ticker.C:
			//2.- Stream successive samples at the configured cadence.
			if err := s.sendSample(stream); err != nil {
				return err
			}
		}
	}
}

func (s *Service) sendSample(stream grpc.ServerStream) error {
	sample := frame(wire.AppendClock(nil, s.clock.Now()))
	if err := stream.SendMsg(&sample); err != nil {
		return fmt.Errorf("send clock sample: %w", err)
	}
	return nil
}

// NewServer builds a gRPC server exposing the service, guarded by a shared secret when one is set.
func NewServer(service *Service, secret string, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(rawCodec{}))
	if secret != "" {
		opts = append(opts, grpc.ChainStreamInterceptor(SharedSecretStreamInterceptor(secret)))
	}
	server := grpc.NewServer(opts...)
	service.Register(server)
	return server
}
