package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"charcha/api/internal/auth"
	"charcha/api/internal/geometry"
	"charcha/api/internal/logger"
	"charcha/api/internal/loop"
	"charcha/api/internal/mapview"
	"charcha/api/internal/metrics"
	"charcha/api/internal/navigation"
	"charcha/api/internal/pinfeed"
	"charcha/api/internal/position"
	"charcha/api/internal/signal"
	"charcha/api/internal/store"
	"charcha/api/internal/subs"
	"charcha/api/internal/thread"
	"charcha/api/internal/util"

	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	maxClientMsg  = 64 << 10
	teardownGrace = 2 * time.Second
	// maxPending bounds the outbox of a writer that has stopped draining
	// without tripping its write deadline.
	maxPending = 1 << 16
)

// defaultPongWait is how long the reader waits for any frame, pongs included.
const defaultPongWait = 60 * time.Second

// Signals a session accepts from its client. Everything else on the bus is
// produced by the map core.
var clientKinds = map[signal.Kind]bool{
	signal.KindSelectDistrict:   true,
	signal.KindFlyToCoordinates: true,
	signal.KindFlyToPin:         true,
	signal.KindFlyToArea:        true,
	signal.KindHighlightPin:     true,
	signal.KindRefreshPins:      true,
	signal.KindStartNavigation:  true,
}

var producedKinds = []signal.Kind{
	signal.KindDistrictSelected,
	signal.KindPinClicked,
	signal.KindPinPlaced,
	signal.KindRouteChanged,
	signal.KindScrollToPost,
	signal.KindOpenThreadPanel,
}

type HubOptions struct {
	Store      store.Store
	Geometry   *geometry.Provider
	Router     navigation.Router
	Positions  position.Persister
	SweepEvery time.Duration
	// RouteTimeout bounds each directions request.
	RouteTimeout time.Duration
	// PongWait is the read deadline a client must keep alive with pongs or
	// frames. Pings go out at nine tenths of it.
	PongWait time.Duration
	// CheckOrigin overrides the upgrader's origin check; nil allows any origin.
	CheckOrigin func(r *http.Request) bool
}

// Hub upgrades map-session websockets and tracks the open sessions.
type Hub struct {
	opts     HubOptions
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*mapSession
}

func NewHub(o HubOptions) *Hub {
	check := o.CheckOrigin
	if check == nil {
		check = func(r *http.Request) bool { return true }
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	return &Hub{
		opts: o,
		upgrader: websocket.Upgrader{
			CheckOrigin:     check,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sessions: make(map[string]*mapSession),
	}
}

// Len reports the number of open sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close ends every open session.
func (h *Hub) Close() {
	h.mu.Lock()
	open := make([]*mapSession, 0, len(h.sessions))
	for _, sess := range h.sessions {
		open = append(open, sess)
	}
	h.mu.Unlock()
	for _, sess := range open {
		sess.cancel()
		_ = sess.conn.Close()
	}
}

// Serve upgrades the request and runs the session until the socket closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, who auth.Identity) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn("map_session_upgrade_failed", "error", err)
		return
	}
	sess := h.newSession(conn, who)

	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
	metrics.MapSessions.Inc()
	sess.log.Info("map_session_opened")

	defer func() {
		sess.close()
		h.mu.Lock()
		delete(h.sessions, sess.id)
		h.mu.Unlock()
		metrics.MapSessions.Dec()
		sess.log.Info("map_session_closed")
	}()

	// the loop outlives ctx so teardown still runs after an abrupt cancel
	go sess.lp.Run(context.Background())
	go sess.writePump()
	go sess.pins.Sweep(sess.ctx, h.opts.SweepEvery)
	sess.lp.Dispatch(func() { sess.renderer.Start(sess.ctx) })

	sess.readPump()
}

// clientMessage is one inbound frame. Only the fields its Type needs are set.
type clientMessage struct {
	Type    string           `json:"type"`
	Signal  *signal.Envelope `json:"signal,omitempty"`
	Lat     float64          `json:"lat"`
	Lng     float64          `json:"lng"`
	PostID  string           `json:"postId"`
	Over    bool             `json:"over"`
	PinType string           `json:"pinType"`
	Error   string           `json:"error"`
}

// serverMessage is one outbound frame. Commands carries every surface
// command flushed together, in order.
type serverMessage struct {
	Type     string             `json:"type"`
	Commands []mapview.Command  `json:"commands,omitempty"`
	Signal   json.RawMessage    `json:"signal,omitempty"`
	Thread   *thread.PostThread `json:"thread,omitempty"`
	PostID   string             `json:"postId,omitempty"`
	Error    string             `json:"error,omitempty"`
}

type mapSession struct {
	id     string
	who    auth.Identity
	conn   *websocket.Conn
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	pongWait time.Duration

	outMu  sync.Mutex
	outbox []serverMessage
	wake   chan struct{}

	lp        *loop.Loop
	bus       *signal.Bus
	reg       *subs.Registry
	pins      *pinfeed.Synchronizer
	threads   *thread.Synchronizer
	renderer  *mapview.Renderer
	overlay   *navigation.Overlay
	positions *position.Source
	stops     []func()
}

func (h *Hub) newSession(conn *websocket.Conn, who auth.Identity) *mapSession {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &mapSession{
		id:     util.NewID("map"),
		who:    who,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),

		pongWait: h.opts.PongWait,
		lp:       loop.New(0),
		reg:      subs.NewRegistry(),
	}
	sess.log = logger.L().With("session_id", sess.id, "user_id", who.UserID)
	sess.bus = signal.NewBus(sess.lp)

	surface := mapview.NewCommandSurface(func(c mapview.Command) {
		sess.emit(serverMessage{Type: "surface", Commands: []mapview.Command{c}})
	})
	sess.positions = position.NewSource(who.UserID, sess.lp, h.opts.Positions, sess.log)
	sess.pins = pinfeed.New(h.opts.Store, sess.lp, sess.reg, sess.log, func(fc pinfeed.FeatureCollection) {
		sess.renderer.ShowPins(fc)
	})
	sess.threads = thread.New(h.opts.Store, sess.lp, sess.reg, sess.log, func(pt thread.PostThread) {
		sess.emit(serverMessage{Type: "thread", Thread: &pt})
	})
	sess.threads.OnRemove = func(postID string) {
		sess.emit(serverMessage{Type: "thread-removed", PostID: postID})
	}
	sess.overlay = navigation.New(navigation.Options{
		Surface:    surface,
		Dispatcher: sess.lp,
		Router:     h.opts.Router,
		Locator:    sess.positions,
		Publisher:  sess.bus,
		Log:        sess.log,
		Timeout:    h.opts.RouteTimeout,
	})
	sess.renderer = mapview.NewRenderer(mapview.Options{
		Surface:    surface,
		Dispatcher: sess.lp,
		Bus:        sess.bus,
		Geometry:   h.opts.Geometry,
		Pins:       sess.pins,
		Navigator:  sess.overlay,
		Log:        sess.log,
	})

	for _, kind := range producedKinds {
		sess.stops = append(sess.stops, sess.bus.Subscribe(kind, sess.forward))
	}
	sess.stops = append(sess.stops,
		sess.bus.Subscribe(signal.KindDistrictSelected, func(e signal.Event) {
			if err := sess.threads.Watch(sess.ctx, e.(signal.DistrictSelected).Name); err != nil {
				sess.log.Warn("thread_watch_failed", "error", err)
			}
		}),
		sess.positions.Watch(sess.renderer.ShowUser),
	)
	return sess
}

// emit queues msg for the writer. It never blocks the loop; a burst is
// absorbed by the outbox and flushed on the writer's next pass.
func (s *mapSession) emit(msg serverMessage) {
	if s.ctx.Err() != nil {
		return
	}
	s.outMu.Lock()
	if len(s.outbox) >= maxPending {
		s.outMu.Unlock()
		s.log.Warn("map_session_writer_stalled", "pending", maxPending)
		s.cancel()
		return
	}
	s.outbox = append(s.outbox, msg)
	s.outMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drain takes everything queued so far and folds consecutive surface
// messages into one frame.
func (s *mapSession) drain() []serverMessage {
	s.outMu.Lock()
	pending := s.outbox
	s.outbox = nil
	s.outMu.Unlock()
	return coalesce(pending)
}

func coalesce(msgs []serverMessage) []serverMessage {
	out := msgs[:0]
	for _, m := range msgs {
		if n := len(out); n > 0 && m.Type == "surface" && out[n-1].Type == "surface" {
			out[n-1].Commands = append(out[n-1].Commands, m.Commands...)
			continue
		}
		out = append(out, m)
	}
	return out
}

func (s *mapSession) forward(e signal.Event) {
	raw, err := signal.Encode(e)
	if err != nil {
		s.log.Error("signal_encode_failed", "kind", e.Kind(), "error", err)
		return
	}
	s.emit(serverMessage{Type: "signal", Signal: raw})
}

func (s *mapSession) writePump() {
	ticker := time.NewTicker(s.pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			// unblocks the reader
			_ = s.conn.Close()
			return
		case <-s.wake:
			for _, msg := range s.drain() {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteJSON(msg); err != nil {
					s.log.Debug("map_session_write_failed", "error", err)
					s.cancel()
					_ = s.conn.Close()
					return
				}
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.log.Debug("map_session_ping_failed", "error", err)
				s.cancel()
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *mapSession) readPump() {
	s.conn.SetReadLimit(maxClientMsg)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		var msg clientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("map_session_read_failed", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
		s.handle(msg)
	}
}

// handle routes one client frame. It runs on the reader goroutine; anything
// touching session state is dispatched onto the loop.
func (s *mapSession) handle(msg clientMessage) {
	switch msg.Type {
	case "signal":
		if msg.Signal == nil || !clientKinds[msg.Signal.Type] {
			s.emit(serverMessage{Type: "error", Error: "signal not accepted"})
			return
		}
		e, err := signal.DecodePayload(msg.Signal.Type, msg.Signal.Payload)
		if err != nil {
			s.emit(serverMessage{Type: "error", Error: err.Error()})
			return
		}
		s.bus.Publish(e)
	case "map-click":
		s.lp.Dispatch(func() { s.renderer.MapClick(msg.Lat, msg.Lng) })
	case "marker-click":
		s.lp.Dispatch(func() { s.renderer.MarkerClick(msg.PostID) })
	case "marker-hover":
		s.lp.Dispatch(func() { s.renderer.MarkerHover(msg.PostID, msg.Over) })
	case "pointer-move":
		s.lp.Dispatch(func() { s.renderer.PointerMove(msg.Lat, msg.Lng) })
	case "placing":
		s.lp.Dispatch(func() { s.renderer.SetPlacing(msg.PinType) })
	case "position":
		if err := s.positions.Push(s.ctx, position.Point{Lat: msg.Lat, Lng: msg.Lng}); err != nil {
			s.emit(serverMessage{Type: "error", Error: err.Error()})
		}
	case "position-error":
		reason := msg.Error
		if reason == "" {
			reason = "position unavailable"
		}
		s.positions.Fail(errors.New(reason))
	default:
		s.emit(serverMessage{Type: "error", Error: "unknown message type"})
	}
}

// close tears the components down on the loop, then stops the loop and
// the writer.
func (s *mapSession) close() {
	done := make(chan struct{})
	s.lp.Dispatch(func() {
		defer close(done)
		for _, stop := range s.stops {
			stop()
		}
		s.overlay.Clear()
		s.threads.Close()
		s.renderer.Destroy()
		s.reg.DisposeAll()
	})
	select {
	case <-done:
	case <-s.lp.Done():
	case <-time.After(teardownGrace):
		s.log.Warn("map_session_teardown_timeout")
	}
	s.cancel()
	s.lp.Close()
	_ = s.conn.Close()
}
