package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	"velthoric/physsync/internal/client"
	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/wire"
)

// ErrClientClosed is returned by Send after Close.
var ErrClientClosed = errors.New("transport: client closed")

// DialOptions describe how a receiver connects.
type DialOptions struct {
	// Observer names the observer when the server allows anonymous connections.
	Observer     string
	Token        string
	Position     mgl64.Vec3
	ViewDistance int
	// World configures the receiver world; its compressor is chosen from the server's codec header.
	World  client.Options
	Logger *logging.Logger
}

// Client is one receiver connection: it feeds server packets into a client.World and sends
// local packets back.
type Client struct {
	conn  *websocket.Conn
	world *client.World
	log   *logging.Logger

	writeMu sync.Mutex
	closed  bool
}

// Dial connects to a hub endpoint such as ws://host:port/ws.
func Dial(ctx context.Context, endpoint string, opts DialOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	if opts.Observer != "" {
		q.Set("observer", opts.Observer)
	}
	q.Set("x", strconv.FormatFloat(opts.Position.X(), 'f', -1, 64))
	q.Set("y", strconv.FormatFloat(opts.Position.Y(), 'f', -1, 64))
	q.Set("z", strconv.FormatFloat(opts.Position.Z(), 'f', -1, 64))
	if opts.ViewDistance > 0 {
		q.Set("view", strconv.Itoa(opts.ViewDistance))
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if opts.Token != "" {
		header.Set("X-Auth-Token", opts.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	//1.- Decode with whatever codec the server advertised.
	compressor, err := wire.CompressorByName(resp.Header.Get(CodecHeader))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	worldOpts := opts.World
	worldOpts.Compressor = compressor
	if worldOpts.Logger == nil {
		worldOpts.Logger = opts.Logger
	}
	return &Client{
		conn:  conn,
		world: client.NewWorld(worldOpts),
		log:   opts.Logger.With(logging.String("component", "transport_client")),
	}, nil
}

// World returns the receiver world fed by Run.
func (c *Client) World() *client.World { return c.world }

// Run reads packets until the connection closes or ctx is cancelled. Malformed packets are
// logged and skipped.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	for {
		kind, payload, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := c.world.HandlePacket(payload); err != nil {
			c.log.Debug("dropping server packet", logging.Error(err))
		}
	}
}

// Send writes one packet.
func (c *Client) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

// SendPose moves the observer on the server.
func (c *Client) SendPose(pos mgl64.Vec3, viewDistance int) error {
	return c.Send(client.EncodePose(wire.ObserverPose{Position: pos, ViewDistance: uint32(max(viewDistance, 0))}))
}

// FlushLocalChanges sends every dirty client-authored field.
func (c *Client) FlushLocalChanges() (int, error) {
	packets, err := c.world.EncodeLocalChanges()
	if err != nil {
		return 0, err
	}
	for i, packet := range packets {
		if err := c.Send(packet); err != nil {
			return i, err
		}
	}
	return len(packets), nil
}

// Close sends a close frame and releases the socket.
func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return c.conn.Close()
}
