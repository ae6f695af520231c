package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"atelier/api/internal/collab"
	"atelier/api/internal/store"
)

type memStore struct {
	mu         sync.Mutex
	operations []store.Operation
	locks      map[string]store.Lock
}

func newMemStore() *memStore {
	return &memStore{locks: make(map[string]store.Lock)}
}

func (m *memStore) AppendOperation(_ context.Context, op store.Operation) (store.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op.ID = int64(len(m.operations) + 1)
	op.CreatedAt = time.Now().UTC()
	m.operations = append(m.operations, op)
	return op, nil
}

func (m *memStore) ListOperations(_ context.Context, assetID string, limit int) ([]store.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Operation, 0)
	for _, op := range m.operations {
		if op.AssetID == assetID {
			items = append(items, op)
		}
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *memStore) UpsertLock(_ context.Context, lock store.Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[lock.AssetID] = lock
	return nil
}

func (m *memStore) DeleteLock(_ context.Context, assetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, assetID)
	return nil
}

func (m *memStore) GetLock(_ context.Context, assetID string) (*store.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[assetID]
	if !ok {
		return nil, nil
	}
	return &lock, nil
}

func (m *memStore) DeleteExpiredLocks(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for assetID, lock := range m.locks {
		if lock.ExpiresAt.Before(cutoff) {
			delete(m.locks, assetID)
			count++
		}
	}
	return count, nil
}

func newTestNode(t *testing.T, addr string) (*collab.Registry, *Relay) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	registry := collab.New(newMemStore(), 5*time.Minute)
	item := NewWithClient(client, registry)
	return registry, item
}

func TestRelayBridgesInstances(t *testing.T) {
	server := miniredis.RunT(t)
	ctx := context.Background()

	registryA, relayA := newTestNode(t, server.Addr())
	registryB, relayB := newTestNode(t, server.Addr())

	relayA.Start(ctx)
	defer relayA.Close()
	relayB.Start(ctx)
	defer relayB.Close()

	// Let both PSubscribe calls land before producing traffic.
	time.Sleep(50 * time.Millisecond)

	events, cancel := registryB.Subscribe("asset-1")
	defer cancel()

	registryA.Join(ctx, "asset-1", collab.Member{UserID: "u1", DisplayName: "Ada"})

	select {
	case event := <-events:
		if event.Type != collab.EventUsers {
			t.Fatalf("expected a users event, got %s", event.Type)
		}
		if !event.Remote {
			t.Fatal("relayed events must be marked remote")
		}
		if event.AssetID != "asset-1" || event.From != "u1" {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never crossed instances")
	}
}

func TestRelaySuppressesOwnMessages(t *testing.T) {
	server := miniredis.RunT(t)
	ctx := context.Background()

	registryA, relayA := newTestNode(t, server.Addr())
	relayA.Start(ctx)
	defer relayA.Close()

	time.Sleep(50 * time.Millisecond)

	events, cancel := registryA.Subscribe("asset-1")
	defer cancel()

	registryA.Join(ctx, "asset-1", collab.Member{UserID: "u1", DisplayName: "Ada"})

	// The local broadcast arrives once; the redis echo of our own publish
	// must not be injected back as a second, remote-flagged copy.
	select {
	case event := <-events:
		if event.Remote {
			t.Fatalf("first delivery should be the local broadcast: %+v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("local broadcast never arrived")
	}

	select {
	case event := <-events:
		if event.Remote {
			t.Fatalf("own message was re-injected: %+v", event)
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRelayDoesNotRepublishRemoteEvents(t *testing.T) {
	server := miniredis.RunT(t)
	ctx := context.Background()

	registryA, relayA := newTestNode(t, server.Addr())
	registryB, relayB := newTestNode(t, server.Addr())

	relayA.Start(ctx)
	defer relayA.Close()
	relayB.Start(ctx)
	defer relayB.Close()

	time.Sleep(50 * time.Millisecond)

	localEvents, cancelLocal := registryA.Subscribe("asset-1")
	defer cancelLocal()
	remoteEvents, cancelRemote := registryB.Subscribe("asset-1")
	defer cancelRemote()

	// An injected remote event reaches local subscribers but must not be
	// published back to redis, or two nodes would bounce events forever.
	registryA.Inject(collab.Event{Type: collab.EventCursor, AssetID: "asset-1", From: "u9"})

	select {
	case event := <-localEvents:
		if !event.Remote {
			t.Fatal("injected event should be remote")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("injected event never delivered")
	}

	select {
	case event := <-remoteEvents:
		t.Fatalf("remote event leaked back onto the wire: %+v", event)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRelayPing(t *testing.T) {
	server := miniredis.RunT(t)
	_, item := newTestNode(t, server.Addr())
	if err := item.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
