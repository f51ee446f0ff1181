package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oriumgames/loadout"
	"github.com/oriumgames/loadout/wire"
)

// ErrActorGone is returned by Client.Run when the server removed the actor.
var ErrActorGone = errors.New("loadout: observed actor removed")

// ClientConfig configures an observer connection.
type ClientConfig struct {
	URL   string
	Actor uuid.UUID

	// Definitions and Fragments decode the replicated entries.
	Definitions loadout.DefinitionSource
	Fragments   *loadout.FragmentRegistry

	// Digest is the catalog digest announced to the server.
	Digest   string
	MaxQueue int

	// OnChange receives every change applied to a replica.
	OnChange func(loadout.EntryChange)
}

// Client keeps replicas of the collections of one remote actor.
type Client struct {
	cfg   ClientConfig
	conn  *websocket.Conn
	codec *wire.Codec

	writeMu sync.Mutex

	mu        sync.RWMutex
	replicas  map[uint32]*loadout.ReplicatedEntryList
	resyncing bool
}

// Dial connects to a loadout server and performs the handshake.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Fragments == nil {
		cfg.Fragments = loadout.NewFragmentRegistry()
	}
	codec, err := wire.NewCodec()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	c := &Client{
		cfg:      cfg,
		conn:     conn,
		codec:    codec,
		replicas: make(map[uint32]*loadout.ReplicatedEntryList),
	}
	if err := c.handshake(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	hello := wire.Hello{
		Type:            wire.TypeHello,
		ProtocolVersion: wire.Version,
		Actor:           c.cfg.Actor,
		Digest:          c.cfg.Digest,
		MaxQueue:        c.cfg.MaxQueue,
	}
	if err := c.writeJSON(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(writeWait))
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	var welcome wire.Welcome
	if err := json.Unmarshal(msg, &welcome); err != nil {
		return fmt.Errorf("decode welcome: %w", err)
	}
	if welcome.Type != wire.TypeWelcome || welcome.ProtocolVersion != wire.Version {
		return fmt.Errorf("unexpected %s message (protocol %d)", welcome.Type, welcome.ProtocolVersion)
	}

	c.mu.Lock()
	for _, id := range welcome.Collections {
		c.replicas[id] = c.newReplica(id)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) newReplica(id uint32) *loadout.ReplicatedEntryList {
	l := loadout.NewReplicatedEntryList(id, c.cfg.Definitions, c.cfg.Fragments, loadout.AsReplica())
	if c.cfg.OnChange != nil {
		l.Subscribe(c.cfg.OnChange)
	}
	return l
}

// Replica returns the replica of collection.
func (c *Client) Replica(collection uint32) *loadout.ReplicatedEntryList {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.replicas[collection]
}

// Snapshot returns the entries of a replica. It is safe to call while Run is
// applying deltas.
func (c *Client) Snapshot(collection uint32) ([]loadout.EntrySnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.replicas[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %d", collection)
	}
	return l.Snapshot()
}

// Run applies incoming frames until ctx is done, the connection fails or the
// actor is removed.
func (c *Client) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if typ == websocket.TextMessage {
			base, err := wire.DecodeBase(msg)
			if err == nil && base.Type == wire.TypeBye {
				return ErrActorGone
			}
			continue
		}

		f, err := c.codec.DecodeFrame(msg)
		if err != nil {
			slog.Warn("loadout: bad frame", "error", err)
			continue
		}
		if err := c.apply(f); err != nil {
			return err
		}
	}
}

func (c *Client) apply(f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case f.Full:
		for id := range c.replicas {
			c.replicas[id] = c.newReplica(id)
		}
		c.resyncing = false
	case c.resyncing:
		return nil
	}

	for _, d := range f.Deltas {
		l, ok := c.replicas[d.Collection]
		if !ok {
			continue
		}
		_, err := l.ApplyDelta(d)
		if errors.Is(err, loadout.ErrVersionGap) {
			slog.Info("loadout: version gap, resyncing", "collection", d.Collection, "from", d.From, "at", l.Version())
			return c.requestResync()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// requestResync asks for the full state again. Frames are ignored until it
// arrives.
func (c *Client) requestResync() error {
	c.resyncing = true
	return c.writeJSON(wire.Resync{
		Type:            wire.TypeResync,
		ProtocolVersion: wire.Version,
		Actor:           c.cfg.Actor,
	})
}

// Close closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	closeWith(c.conn, websocket.CloseNormalClosure, "")
	c.writeMu.Unlock()
	c.codec.Close()
	return c.conn.Close()
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeJSON(c.conn, v)
}
