// Package transport carries sync packets between the server dispatcher and remote observers over
// websockets. Every websocket message is exactly one packet.
package transport

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"velthoric/physsync/internal/logging"
	"velthoric/physsync/internal/networking"
	"velthoric/physsync/internal/tracking"
	"velthoric/physsync/internal/wire"
)

// CodecHeader advertises the batch compression codec on the upgrade response.
const CodecHeader = "X-Physsync-Codec"

const (
	// DefaultSendBuffer is the number of packets queued per observer before it is dropped.
	DefaultSendBuffer = 256
	// DefaultPingInterval matches the keepalive cadence of the websocket writer.
	DefaultPingInterval = 30 * time.Second
	writeWait           = 5 * time.Second
	rejectLogInterval   = 10 * time.Second
)

var (
	// ErrUnknownObserver is returned when sending to an observer without a connection.
	ErrUnknownObserver = errors.New("transport: unknown observer")
	// ErrBackpressure is returned when an observer's send queue overflowed and it was dropped.
	ErrBackpressure = errors.New("transport: observer send queue full")
	// ErrNotBound is returned by ServeHTTP before a handler has been bound.
	ErrNotBound = errors.New("transport: hub not bound to a world")
)

// Handler receives observer lifecycle events and inbound packets.
type Handler interface {
	AddObserver(id tracking.ObserverID, pos mgl64.Vec3, viewDistance int)
	RemoveObserver(id tracking.ObserverID)
	HandleClientPacket(id tracking.ObserverID, payload []byte) error
}

// Options tune a hub. Zero values select defaults.
type Options struct {
	Dimension       string
	Codec           string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	SendBuffer      int
	MaxViewDistance int
	Authenticator   Authenticator
	Logger          *logging.Logger
}

type peer struct {
	id        tracking.ObserverID
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	// dropped is guarded by Hub.mu; a dropped peer stays registered until its reader exits.
	dropped bool
}

// close stops the writer; it flushes a close frame and tears the socket down.
func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.send) })
}

// Hub accepts observer websockets and implements networking.Transport for the dispatcher.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	log      *logging.Logger

	mu      sync.Mutex
	handler Handler
	peers   map[tracking.ObserverID]*peer
	closed  bool
	wg      sync.WaitGroup
}

var _ networking.Transport = (*Hub)(nil)

// NewHub builds an unbound hub. Bind must be called before connections are served.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	if opts.Authenticator == nil {
		opts.Authenticator = AllowAll{}
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.MaxViewDistance <= 0 {
		opts.MaxViewDistance = tracking.DefaultMaxViewDistance
	}
	if opts.Codec == "" {
		opts.Codec = wire.CodecZstd
	}
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:   opts.Logger.With(logging.String("component", "transport_hub"), logging.String("dimension", opts.Dimension)),
		peers: make(map[tracking.ObserverID]*peer),
	}
}

// Bind attaches the world that owns the observers. The world is built with the hub as its
// transport, so binding happens after both exist.
func (h *Hub) Bind(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Observers returns the number of connected observers.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// ServeHTTP upgrades the request and runs the observer until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	if handler == nil {
		http.Error(w, ErrNotBound.Error(), http.StatusServiceUnavailable)
		return
	}

	//1.- Authenticate before upgrading so rejected clients get a plain HTTP status.
	subject, err := h.opts.Authenticator.Authenticate(r)
	if err != nil {
		h.log.Warn("websocket authentication failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id := tracking.ObserverID(subject)
	if id == "" {
		id = tracking.ObserverID(strings.TrimSpace(r.URL.Query().Get("observer")))
	}
	if id == "" {
		id = tracking.ObserverID(uuid.NewString())
	}
	pos, viewDistance, err := initialPose(r, h.opts.MaxViewDistance)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p := &peer{id: id, send: make(chan []byte, h.opts.SendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "hub closed", http.StatusServiceUnavailable)
		return
	}
	if _, taken := h.peers[id]; taken {
		h.mu.Unlock()
		http.Error(w, "observer already connected", http.StatusConflict)
		return
	}
	h.peers[id] = p
	h.wg.Add(1)
	h.mu.Unlock()

	header := http.Header{}
	header.Set(CodecHeader, h.opts.Codec)
	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		h.unregister(p)
		h.wg.Done()
		h.log.Warn("websocket upgrade failed", logging.String("observer", string(id)), logging.Error(err))
		return
	}
	p.conn = conn
	if h.opts.MaxPayloadBytes > 0 {
		conn.SetReadLimit(h.opts.MaxPayloadBytes)
	}

	logger := h.log.With(logging.String("observer", string(id)))
	logger.Info("observer connected", logging.String("remote_addr", r.RemoteAddr))

	//2.- Start the writer before registering so the join spawns have somewhere to go.
	go h.writeLoop(p, logger)
	handler.AddObserver(id, pos, viewDistance)

	h.readLoop(p, handler, logger)

	//3.- Release tracking state before returning so a reconnect under the same id starts clean.
	h.unregister(p)
	handler.RemoveObserver(id)
	h.log.Forget(rejectLogKey(id))
	p.close()
	logger.Info("observer disconnected")
}

func (h *Hub) readLoop(p *peer, handler Handler, logger *logging.Logger) {
	readWait := 2 * h.opts.PingInterval
	_ = p.conn.SetReadDeadline(time.Now().Add(readWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		kind, payload, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("websocket read failed", logging.Error(err))
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(readWait))
		if kind != websocket.BinaryMessage {
			logger.Debug("ignoring non-binary message")
			continue
		}
		if err := handler.HandleClientPacket(p.id, payload); err != nil {
			if errors.Is(err, networking.ErrRateLimited) {
				continue
			}
			logger.DebugEvery(rejectLogKey(p.id), rejectLogInterval, "rejected client packet", logging.Error(err))
		}
	}
}

func (h *Hub) writeLoop(p *peer, logger *logging.Logger) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-p.send:
			if !ok {
				deadline := time.Now().Add(writeWait)
				_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				logger.Debug("websocket write failed", logging.Error(err))
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug("websocket ping failed", logging.Error(err))
				return
			}
		}
	}
}

func rejectLogKey(id tracking.ObserverID) string { return "reject:" + string(id) }

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.peers[p.id]; ok && current == p {
		delete(h.peers, p.id)
	}
}

// SendToObserver queues one packet without blocking. An observer whose queue is full is
// disconnected; its read loop then removes it from the world and the hub.
func (h *Hub) SendToObserver(id tracking.ObserverID, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObserver, id)
	}
	return h.enqueueLocked(p, payload)
}

// BroadcastToDimension queues one packet for every observer of this hub's dimension.
func (h *Hub) BroadcastToDimension(dimension string, payload []byte) error {
	if h.opts.Dimension != "" && dimension != h.opts.Dimension {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var dropped int
	for _, p := range h.peers {
		if err := h.enqueueLocked(p, payload); err != nil {
			dropped++
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d observers dropped", ErrBackpressure, dropped)
	}
	return nil
}

func (h *Hub) enqueueLocked(p *peer, payload []byte) error {
	if p.dropped {
		return fmt.Errorf("%w: %s", ErrBackpressure, p.id)
	}
	select {
	case p.send <- payload:
		return nil
	default:
		p.dropped = true
		p.close()
		h.log.Warn("dropping slow observer", logging.String("observer", string(p.id)))
		return fmt.Errorf("%w: %s", ErrBackpressure, p.id)
	}
}

// Close disconnects every observer and waits for their writers to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, p := range h.peers {
		p.dropped = true
		p.close()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// initialPose reads the optional x, y, z and view query parameters. Coordinates must be finite
// and view must lie within [0, maxView].
func initialPose(r *http.Request, maxView int) (mgl64.Vec3, int, error) {
	q := r.URL.Query()
	var pos mgl64.Vec3
	for i, key := range []string{"x", "y", "z"} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return pos, 0, fmt.Errorf("invalid %s coordinate %q", key, raw)
		}
		pos[i] = v
	}
	view := 0
	if raw := strings.TrimSpace(q.Get("view")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > maxView {
			return pos, 0, fmt.Errorf("invalid view distance %q, want 0..%d", raw, maxView)
		}
		view = v
	}
	return pos, view, nil
}
