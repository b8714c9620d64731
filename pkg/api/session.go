package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/r3d91ll/shuttle/pkg/config"
	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/frame"
	"github.com/r3d91ll/shuttle/pkg/history"
	"github.com/r3d91ll/shuttle/pkg/metrics"
	"github.com/r3d91ll/shuttle/pkg/playback"
	"github.com/r3d91ll/shuttle/pkg/record"
	"github.com/r3d91ll/shuttle/pkg/transport"
	"github.com/r3d91ll/shuttle/pkg/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum control message size allowed from peer. Acks are 4 bytes;
	// everything else is small JSON.
	maxMessageSize = 4096

	// Size of the live-feed record queue.
	liveQueueSize = 4
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SetUpgraderCheckOrigin allows customizing the origin check function.
func SetUpgraderCheckOrigin(fn func(*http.Request) bool) {
	upgrader.CheckOrigin = fn
}

// Session is one consumer's channel: a websocket connection carrying
// binary chunk traffic producer → consumer, acks consumer → producer, and
// a JSON control surface in both directions. Each session owns its own
// sender, playback engine, and normalization processor; sessions run fully
// in parallel against the shared history store.
type Session struct {
	id    uuid.UUID
	conn  *websocket.Conn
	store *history.Store
	cfg   *config.Config

	sender *transport.Sender
	engine *playback.Engine

	// writeMu serializes chunk, ack, and control writes on the socket.
	writeMu sync.Mutex

	// pipeMu serializes the process → serialize → send pipeline so live
	// and replay frames never interleave chunks on the wire.
	pipeMu sync.Mutex

	// stream configuration, guarded by confMu. The transform is fixed for
	// the lifetime of the session once set.
	confMu   sync.Mutex
	proc     *frame.Processor
	level    frame.Level
	selector string

	live    atomic.Bool
	records chan *record.Record
	ctrl    chan []byte

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	onClose   func(*Session)
}

// newSession wires a session over an upgraded connection.
func newSession(conn *websocket.Conn, store *history.Store, cfg *config.Config, onClose func(*Session)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      uuid.New(),
		conn:    conn,
		store:   store,
		cfg:     cfg,
		records: make(chan *record.Record, liveQueueSize),
		ctrl:    make(chan []byte, 16),
		ctx:     ctx,
		cancel:  cancel,
		onClose: onClose,
	}

	s.sender = transport.NewSender(s, transport.Config{
		Window:     cfg.Transport.Window,
		AckTimeout: cfg.Transport.AckTimeout.Std(),
		MaxRetries: cfg.Transport.MaxRetries,
		ChunkSize:  cfg.Transport.ChunkSize,
	})
	s.engine = playback.New(store, s.emitFrame, cfg.Playback.BaseInterval.Std())
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// run starts the session's pumps and blocks until the connection ends.
func (s *Session) run() {
	go s.liveWorker()
	go s.controlWorker()
	go s.pingLoop()
	s.readPump()
}

// WriteChunk sends one binary chunk message. It implements transport.Conn,
// so the session itself is the sender's channel.
func (s *Session) WriteChunk(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// sendEvent writes one JSON control message.
func (s *Session) sendEvent(msgType string, payload interface{}) {
	data, err := newEvent(msgType, payload)
	if err != nil {
		log.Printf("[ws] %s: event marshal failed: %v", s.id, err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[ws] %s: event write failed: %v", s.id, err)
	}
}

// sendError reports a typed error to the client.
func (s *Session) sendError(err error) {
	if serr, ok := errors.AsShuttleError(err); ok {
		s.sendEvent(MsgError, ErrorPayload{Code: serr.Code, Message: serr.Message})
		return
	}
	s.sendEvent(MsgError, ErrorPayload{Code: errors.ErrInternal, Message: err.Error()})
}

// readPump reads the connection until it closes. Binary messages are acks
// feeding the sender's flow control; text messages are queued for the
// control worker. The read loop itself never blocks on command handling:
// a seek or replay frame suspends in AWAITING_ACK until acks arrive, and
// those acks come through this loop.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] %s: read error: %v", s.id, err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			batchID, err := wire.ParseAck(message)
			if err != nil {
				log.Printf("[ws] %s: bad ack: %v", s.id, err)
				continue
			}
			s.sender.HandleAck(batchID)
		case websocket.TextMessage:
			select {
			case s.ctrl <- message:
			default:
				log.Printf("[ws] %s: control queue full, dropping message", s.id)
			}
		}
	}
}

// controlWorker processes queued control commands in arrival order.
func (s *Session) controlWorker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case message := <-s.ctrl:
			s.handleControl(message)
		}
	}
}

// pingLoop keeps the connection alive the way the read deadline expects.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleControl dispatches one client control message.
func (s *Session) handleControl(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.sendEvent(MsgError, ErrorPayload{Code: "INVALID_JSON", Message: "failed to parse message"})
		return
	}

	switch env.Type {
	case MsgStreamConfigure:
		s.handleConfigure(env.Payload)
	case MsgStreamLive:
		var p LivePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.sendError(err)
			return
		}
		if p.Enabled {
			if err := s.ensureConfigured(); err != nil {
				s.sendError(err)
				return
			}
		}
		s.live.Store(p.Enabled)
		log.Printf("[ws] %s: live feed %v", s.id, p.Enabled)
	case MsgPlaybackPlay:
		var p PlayPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.sendError(err)
			return
		}
		if err := s.ensureConfigured(); err != nil {
			s.sendError(err)
			return
		}
		if err := s.engine.Play(p.Speed); err != nil {
			s.sendError(err)
			return
		}
		s.sendState()
	case MsgPlaybackPause:
		s.engine.Pause()
		s.sendState()
	case MsgPlaybackSeek:
		var p SeekPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.sendError(err)
			return
		}
		if err := s.ensureConfigured(); err != nil {
			s.sendError(err)
			return
		}
		if err := s.engine.Seek(p.Step); err != nil {
			s.sendError(err)
			return
		}
		s.sendState()
	case MsgPlaybackStep:
		var p StepPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.sendError(err)
			return
		}
		if err := s.ensureConfigured(); err != nil {
			s.sendError(err)
			return
		}
		if err := s.engine.Step(p.Delta); err != nil {
			s.sendError(err)
			return
		}
		s.sendState()
	case MsgPing:
		s.sendEvent(MsgPong, nil)
	default:
		log.Printf("[ws] %s: unknown message type: %s", s.id, env.Type)
	}
}

// handleConfigure sets the session's resolution level, component selector,
// and normalization. The normalization transform is pinned by the first
// configure: later requests naming a different transform are rejected so
// numerically incomparable frames never mix within one session.
func (s *Session) handleConfigure(payload json.RawMessage) {
	var p ConfigurePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		s.sendError(err)
		return
	}

	level := frame.Level(p.Level)
	if !level.Valid() {
		s.sendError(errors.ProcessErrorf(errors.ErrConfigInvalid, "unknown resolution level %q", p.Level))
		return
	}
	if level != frame.LevelMacro && p.Component == "" {
		s.sendError(errors.ProcessError(errors.ErrSelectorRequired,
			"meso and micro levels require a component selector"))
		return
	}

	transform := frame.Transform(p.Transform)
	pLow, pHigh := p.PLow, p.PHigh
	if p.Transform == "" {
		transform = frame.Transform(s.cfg.Process.Transform)
		pLow, pHigh = s.cfg.Process.PLow, s.cfg.Process.PHigh
	} else if pLow == 0 && pHigh == 0 {
		pLow, pHigh = s.cfg.Process.PLow, s.cfg.Process.PHigh
	}

	s.confMu.Lock()
	if s.proc != nil && s.proc.Transform() != transform {
		active := s.proc.Transform()
		s.confMu.Unlock()
		s.sendError(errors.ProcessErrorf(errors.ErrTransformMismatch,
			"session is pinned to transform %q, cannot switch to %q", active, transform))
		return
	}
	if s.proc == nil {
		proc, err := frame.NewProcessor(transform, pLow, pHigh)
		if err != nil {
			s.confMu.Unlock()
			s.sendError(err)
			return
		}
		s.proc = proc
	}
	s.level = level
	s.selector = p.Component
	s.confMu.Unlock()

	log.Printf("[ws] %s: configured level=%s component=%q transform=%s", s.id, level, p.Component, transform)
	s.sendEvent(MsgStreamConfigured, ConfigurePayload{
		Level:     string(level),
		Component: p.Component,
		Transform: string(transform),
		PLow:      pLow,
		PHigh:     pHigh,
	})
	s.sendRange()
}

// ensureConfigured installs the server-default stream configuration when
// the client starts streaming without an explicit configure.
func (s *Session) ensureConfigured() error {
	s.confMu.Lock()
	defer s.confMu.Unlock()
	if s.proc != nil {
		return nil
	}
	proc, err := frame.NewProcessor(frame.Transform(s.cfg.Process.Transform),
		s.cfg.Process.PLow, s.cfg.Process.PHigh)
	if err != nil {
		return err
	}
	s.proc = proc
	s.level = frame.LevelMacro
	s.selector = ""
	return nil
}

// sendState reports the playback engine's current status.
func (s *Session) sendState() {
	s.sendEvent(MsgPlaybackState, s.engine.Status())
}

// sendRange reports the store's resident interval.
func (s *Session) sendRange() {
	oldest, newest, ok := s.store.Range()
	s.sendEvent(MsgHistoryRange, RangePayload{Oldest: oldest, Newest: newest, Empty: !ok})
}

// emitFrame is the playback engine's pipeline binding: process the record
// at the session's configuration and push it through the sender.
func (s *Session) emitFrame(rec *record.Record) error {
	s.confMu.Lock()
	proc, level, selector := s.proc, s.level, s.selector
	s.confMu.Unlock()
	if proc == nil {
		return errors.ProcessError(errors.ErrSelectorRequired, "session not configured")
	}

	s.pipeMu.Lock()
	defer s.pipeMu.Unlock()

	f, err := proc.Process(rec, level, selector)
	if err != nil {
		return err
	}
	return s.sender.Send(s.ctx, f)
}

// feedLive offers a freshly appended record to the session's live queue.
// It never blocks the producer: a session that cannot keep up loses the
// frame, not the stream.
func (s *Session) feedLive(rec *record.Record) {
	if !s.live.Load() {
		return
	}
	select {
	case s.records <- rec:
	case <-s.ctx.Done():
	default:
		metrics.LiveFramesDropped.Inc()
		log.Printf("[ws] %s: live queue full, dropping step %d", s.id, rec.Step())
	}
}

// liveWorker drains the live queue through the pipeline.
func (s *Session) liveWorker() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case rec := <-s.records:
			if !s.live.Load() {
				continue
			}
			if err := s.emitFrame(rec); err != nil {
				if errors.IsCode(err, errors.ErrChannelClosed) {
					return
				}
				log.Printf("[ws] %s: live frame for step %d failed: %v", s.id, rec.Step(), err)
			}
		}
	}
}

// close tears the session down exactly once.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.engine.Close()
		s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
		log.Printf("[ws] %s: session closed", s.id)
	})
}
