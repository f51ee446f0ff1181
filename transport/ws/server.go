// Package ws replicates actor collections to observers over websockets.
package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oriumgames/loadout"
	"github.com/oriumgames/loadout/wire"
)

const (
	writeWait       = 5 * time.Second
	readWait        = 60 * time.Second
	pingInterval    = 25 * time.Second
	defaultMaxQueue = 64
	maxMaxQueue     = 1024
)

// ActorSource looks up live actors. *loadout.Manager implements it.
type ActorSource interface {
	Actor(id uuid.UUID) *loadout.Actor
}

// Server is a loadout.Transport that fans deltas out to websocket observers.
//
// Observers send a wire.Hello naming the actor they watch. They first receive
// the full state of every collection of that actor, then every delta the
// replication loop sends.
type Server struct {
	codec    *wire.Codec
	digest   string
	upgrader websocket.Upgrader

	actors atomic.Pointer[actorSourceBox]

	mu   sync.Mutex
	subs map[uuid.UUID]map[*observer]struct{}
}

type actorSourceBox struct {
	src ActorSource
}

type observer struct {
	conn   *websocket.Conn
	actor  uuid.UUID
	out    chan []byte
	done   chan struct{}
	closed atomic.Bool
}

func (o *observer) close() {
	if o.closed.Swap(true) {
		return
	}
	close(o.done)
}

// enqueue queues a message without blocking. It reports false when the
// observer is too slow and has been closed.
func (o *observer) enqueue(b []byte) bool {
	if o.closed.Load() {
		return false
	}
	select {
	case o.out <- b:
		return true
	default:
		o.close()
		return false
	}
}

// Compile-time check that Server implements loadout.Transport.
var _ loadout.Transport = (*Server)(nil)

// NewServer creates a server. digest is the catalog digest observers must
// match; it may be empty.
func NewServer(codec *wire.Codec, digest string) *Server {
	return &Server{
		codec:  codec,
		digest: digest,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[uuid.UUID]map[*observer]struct{}),
	}
}

// Bind sets the actor source used to resync observers. Until it is bound,
// observers only receive deltas sent after they joined.
func (s *Server) Bind(src ActorSource) {
	s.actors.Store(&actorSourceBox{src: src})
}

// Send implements loadout.Transport. Observers that cannot keep up are
// disconnected; they catch up with a resync when they reconnect.
func (s *Server) Send(actor uuid.UUID, d loadout.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subs[actor]
	if len(subs) == 0 {
		return nil
	}
	b, err := s.codec.EncodeFrame(wire.Frame{Actor: actor, Deltas: []loadout.Delta{d}})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	for o := range subs {
		if !o.enqueue(b) {
			slog.Warn("loadout: observer too slow, dropped", "actor", actor)
			delete(subs, o)
		}
	}
	return nil
}

// Forget tells every observer of actor that it is gone.
func (s *Server) Forget(actor uuid.UUID) {
	bye, _ := json.Marshal(wire.Bye{
		Type:            wire.TypeBye,
		ProtocolVersion: wire.Version,
		Actor:           actor,
		Reason:          "actor removed",
	})

	s.mu.Lock()
	subs := s.subs[actor]
	delete(s.subs, actor)
	s.mu.Unlock()

	for o := range subs {
		o.enqueue(bye)
	}
}

// Observers returns the number of observers of actor.
func (s *Server) Observers(actor uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[actor])
}

// Handler returns the HTTP handler upgrading observer connections.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		o := s.handshake(conn)
		if o == nil {
			return
		}
		defer s.unsubscribe(o)

		go s.writeLoop(o)

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readWait))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
			typ, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if typ != websocket.TextMessage {
				continue
			}
			base, err := wire.DecodeBase(msg)
			if err != nil || base.ProtocolVersion != wire.Version {
				continue
			}
			if base.Type == wire.TypeResync {
				if err := s.resync(o); err != nil {
					slog.Warn("loadout: resync failed", "actor", o.actor, "error", err)
				}
			}
		}
		o.close()
	}
}

func (s *Server) handshake(conn *websocket.Conn) *observer {
	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	var hello wire.Hello
	if err := json.Unmarshal(msg, &hello); err != nil || hello.Type != wire.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return nil
	}
	if hello.ProtocolVersion != wire.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return nil
	}
	if hello.Digest != "" && s.digest != "" && hello.Digest != s.digest {
		closeWith(conn, websocket.ClosePolicyViolation, "catalog mismatch")
		return nil
	}
	if hello.Actor == uuid.Nil {
		closeWith(conn, websocket.ClosePolicyViolation, "missing actor")
		return nil
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 {
		maxQ = defaultMaxQueue
	}
	maxQ = min(maxQ, maxMaxQueue)

	o := &observer{
		conn:  conn,
		actor: hello.Actor,
		out:   make(chan []byte, maxQ),
		done:  make(chan struct{}),
	}

	welcome := wire.Welcome{
		Type:            wire.TypeWelcome,
		ProtocolVersion: wire.Version,
		Actor:           hello.Actor,
		Collections:     []uint32{loadout.CollectionInventory, loadout.CollectionEquipment},
		Digest:          s.digest,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	if err := s.resync(o); err != nil {
		slog.Warn("loadout: initial resync failed", "actor", o.actor, "error", err)
		return nil
	}
	return o
}

// resync queues the full state of the observed actor and subscribes the
// observer. Both happen while the actor is held, so no delta can slip between
// the state and the first live delta.
func (s *Server) resync(o *observer) error {
	var a *loadout.Actor
	if box := s.actors.Load(); box != nil {
		a = box.src.Actor(o.actor)
	}
	if a == nil {
		s.subscribe(o)
		return nil
	}

	return a.Exec(func(a *loadout.Actor) error {
		f := wire.Frame{Actor: a.ID(), Full: true}
		for _, l := range a.Lists() {
			d, err := l.ComputeDelta(0)
			if err != nil {
				return err
			}
			f.Deltas = append(f.Deltas, d)
		}
		b, err := s.codec.EncodeFrame(f)
		if err != nil {
			return err
		}
		if !o.enqueue(b) {
			return fmt.Errorf("observer queue full")
		}
		s.subscribe(o)
		return nil
	})
}

func (s *Server) subscribe(o *observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.subs[o.actor]
	if !ok {
		subs = make(map[*observer]struct{})
		s.subs[o.actor] = subs
	}
	subs[o] = struct{}{}
}

func (s *Server) unsubscribe(o *observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs, ok := s.subs[o.actor]; ok {
		delete(subs, o)
		if len(subs) == 0 {
			delete(s.subs, o.actor)
		}
	}
}

func (s *Server) writeLoop(o *observer) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer o.conn.Close()

	for {
		select {
		case <-o.done:
			// Drain what was queued before closing, e.g. a Bye.
			for {
				select {
				case b := <-o.out:
					if write(o.conn, b) != nil {
						return
					}
				default:
					closeWith(o.conn, websocket.CloseNormalClosure, "")
					return
				}
			}
		case b := <-o.out:
			if err := write(o.conn, b); err != nil {
				o.close()
				return
			}
			if isBye(b) {
				o.close()
			}
		case <-ticker.C:
			if err := o.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				o.close()
				return
			}
		}
	}
}

// write sends b as a text message when it is a JSON control message and as a
// binary frame otherwise.
func write(conn *websocket.Conn, b []byte) error {
	typ := websocket.BinaryMessage
	if len(b) > 0 && b[0] == '{' {
		typ = websocket.TextMessage
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(typ, b)
}

func isBye(b []byte) bool {
	if len(b) == 0 || b[0] != '{' {
		return false
	}
	base, err := wire.DecodeBase(b)
	return err == nil && base.Type == wire.TypeBye
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}
