package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oriumgames/loadout"
	"github.com/oriumgames/loadout/wire"
)

func testDefinitions() loadout.MapSource {
	return loadout.MapSource{
		"bread": {
			ID:        "bread",
			Class:     loadout.ClassItem,
			Tags:      loadout.NewTagSet("item.food"),
			Fragments: []loadout.Fragment{&loadout.Storable{MaxStack: 16}},
		},
		"sword": {
			ID:        "sword",
			Class:     loadout.ClassItem,
			Fragments: []loadout.Fragment{&loadout.Storable{MaxStack: 1}},
		},
	}
}

// lossyTransport drops the next delta when drop is set.
type lossyTransport struct {
	*Server
	drop atomic.Bool
}

func (t *lossyTransport) Send(actor uuid.UUID, d loadout.Delta) error {
	if t.drop.Swap(false) {
		return nil
	}
	return t.Server.Send(actor, d)
}

type harness struct {
	hub     *Server
	lossy   *lossyTransport
	manager *loadout.Manager
	url     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec, err := wire.NewCodec()
	if err != nil {
		t.Fatal(err)
	}
	hub := NewServer(codec, "digest-1")
	lossy := &lossyTransport{Server: hub}

	m := loadout.NewBuilder().
		Definitions(testDefinitions()).
		Manual().
		Transport(lossy).
		Loadout(loadout.ItemSet{ID: "starter", Items: []loadout.ItemSetEntry{{Definition: "bread", Count: 4}}}).
		Init()
	hub.Bind(m)

	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		m.Shutdown()
		srv.Close()
		codec.Close()
	})
	return &harness{
		hub:     hub,
		lossy:   lossy,
		manager: m,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *harness) dial(t *testing.T, actor uuid.UUID, digest string) (*Client, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return Dial(ctx, ClientConfig{
		URL:         h.url,
		Actor:       actor,
		Definitions: testDefinitions(),
		Digest:      digest,
	})
}

func run(c *Client) (cancel func(), done <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- c.Run(ctx) }()
	return cancel, ch
}

// waitConverged polls until every replica of c matches the actor.
func waitConverged(t *testing.T, a *loadout.Actor, c *Client) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var want [][]loadout.EntrySnapshot
		err := a.Exec(func(a *loadout.Actor) error {
			for _, l := range a.Lists() {
				snap, err := l.Snapshot()
				if err != nil {
					return err
				}
				want = append(want, snap)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}

		var got [][]loadout.EntrySnapshot
		for _, id := range []uint32{loadout.CollectionInventory, loadout.CollectionEquipment} {
			snap, err := c.Snapshot(id)
			if err != nil {
				t.Fatal(err)
			}
			got = append(got, snap)
		}
		if reflect.DeepEqual(got, want) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("observer never converged\nwant %+v\n got %+v", want, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestObserverReplicates(t *testing.T) {
	h := newHarness(t)
	a, err := h.manager.Spawn(loadout.ActorConfig{Name: "steve"})
	if err != nil {
		t.Fatal(err)
	}

	c, err := h.dial(t, a.ID(), "digest-1")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	cancel, done := run(c)
	defer cancel()

	// The first frame is the full state, before anything was flushed.
	waitConverged(t, a, c)

	err = a.Exec(func(a *loadout.Actor) error {
		if _, err := a.Inventory().Add("bread", 20); err != nil {
			return err
		}
		_, err := a.Inventory().Add("sword", 1)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.manager.Flush(); err != nil {
		t.Fatal(err)
	}
	waitConverged(t, a, c)

	h.manager.Remove(a)
	select {
	case err := <-done:
		if !errors.Is(err, ErrActorGone) {
			t.Fatalf("run returned %v, want ErrActorGone", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("observer not told about the removal")
	}
	if h.hub.Observers(a.ID()) != 0 {
		t.Fatalf("observer still subscribed")
	}
}

func TestObserverResyncsAfterGap(t *testing.T) {
	h := newHarness(t)
	a, err := h.manager.Spawn(loadout.ActorConfig{Name: "alex"})
	if err != nil {
		t.Fatal(err)
	}

	c, err := h.dial(t, a.ID(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	cancel, done := run(c)
	defer func() {
		cancel()
		<-done
	}()
	waitConverged(t, a, c)

	add := func(id loadout.DefinitionID) {
		t.Helper()
		err := a.Exec(func(a *loadout.Actor) error {
			_, err := a.Inventory().Add(id, 1)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := h.manager.Flush(); err != nil {
			t.Fatal(err)
		}
	}

	h.lossy.drop.Store(true)
	add("sword")
	add("sword")
	waitConverged(t, a, c)
}

func TestHandshakeRejectsDigestMismatch(t *testing.T) {
	h := newHarness(t)
	if _, err := h.dial(t, uuid.New(), "digest-2"); err == nil {
		t.Fatalf("mismatched catalog accepted")
	}
}

func TestObserverOfUnknownActor(t *testing.T) {
	h := newHarness(t)
	id := uuid.New()

	c, err := h.dial(t, id, "")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for h.hub.Observers(id) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("observer of an unknown actor not subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.Replica(loadout.CollectionInventory) == nil || c.Replica(loadout.CollectionEquipment) == nil {
		t.Fatalf("replicas missing")
	}
}

func TestClientWaitsForFullFrame(t *testing.T) {
	c := &Client{
		cfg:       ClientConfig{Definitions: testDefinitions(), Fragments: loadout.NewFragmentRegistry()},
		replicas:  make(map[uint32]*loadout.ReplicatedEntryList),
		resyncing: true,
	}
	c.replicas[loadout.CollectionInventory] = c.newReplica(loadout.CollectionInventory)

	src := loadout.NewReplicatedEntryList(loadout.CollectionInventory, testDefinitions(), nil)
	if _, err := src.Add("bread", loadout.AddParams{StackCount: 2}); err != nil {
		t.Fatal(err)
	}
	d, err := src.ComputeDelta(0)
	if err != nil {
		t.Fatal(err)
	}

	// A live delta on a fresh list also starts at version 0.
	if err := c.apply(wire.Frame{Deltas: []loadout.Delta{d}}); err != nil {
		t.Fatal(err)
	}
	if !c.resyncing || c.Replica(loadout.CollectionInventory).Len() != 0 {
		t.Fatalf("live frame ended the resync")
	}

	if err := c.apply(wire.Frame{Deltas: []loadout.Delta{d}, Full: true}); err != nil {
		t.Fatal(err)
	}
	if c.resyncing || c.Replica(loadout.CollectionInventory).Len() != 1 {
		t.Fatalf("full frame not applied")
	}
}
