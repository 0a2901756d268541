package timesync

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sink consumes clock packets; client.World satisfies it.
type Sink interface {
	HandlePacket(payload []byte) error
}

// Follow subscribes to the clock stream and forwards every sample to sink until ctx ends or the
// server closes the stream. Use WithSharedSecret on ctx when the server requires it.
func Follow(ctx context.Context, conn grpc.ClientConnInterface, observer string, sink Sink) error {
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], StreamMethod, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return err
	}
	req := frame(observer)
	if err := stream.SendMsg(&req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		var sample frame
		if err := stream.RecvMsg(&sample); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if status.Code(err) == codes.Canceled && ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := sink.HandlePacket(sample); err != nil {
			return err
		}
	}
}
