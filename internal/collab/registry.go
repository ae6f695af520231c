// Package collab coordinates concurrent editors of an asset: membership,
// presence, edit locks and the ordered operation log. One Registry instance
// owns all live sessions for its process; persisted state flows through the
// durable store and survives restarts.
package collab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"atelier/api/internal/store"
)

// How many persisted operations are replayed into a freshly created
// session's buffer for initial sync.
const seedHistoryLimit = 200

const subscriberBuffer = 64

type durableStore interface {
	AppendOperation(context.Context, store.Operation) (store.Operation, error)
	ListOperations(context.Context, string, int) ([]store.Operation, error)
	UpsertLock(context.Context, store.Lock) error
	DeleteLock(context.Context, string) error
	GetLock(context.Context, string) (*store.Lock, error)
	DeleteExpiredLocks(context.Context, time.Time) (int, error)
}

type session struct {
	assetID string

	// mu serializes the whole apply path for this asset: lock checks,
	// persistence, log append and broadcast happen under it, so a second
	// operation cannot interleave mid-apply. Sessions for different assets
	// proceed independently. Lock nesting is always mu before Registry.mu,
	// never the reverse.
	mu           sync.Mutex
	seeded       bool
	closed       bool
	members      map[string]*Member
	lock         *LockInfo
	log          []Operation
	lastModified time.Time
}

type subscription struct {
	assetID string // "" subscribes to every asset
	ch      chan Event
}

// Registry is the injectable session coordinator. Construct one per process
// with New; zero-value is not usable.
type Registry struct {
	store   durableStore
	lockTTL time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	subs     map[*subscription]struct{}
}

func New(durable durableStore, lockTTL time.Duration) *Registry {
	return &Registry{
		store:    durable,
		lockTTL:  lockTTL,
		now:      time.Now,
		sessions: make(map[string]*session),
		subs:     make(map[*subscription]struct{}),
	}
}

// Subscribe registers a broadcast listener for one asset, or for every asset
// when assetID is empty. The returned cancel func must be called to release
// the subscription. Slow listeners lose events rather than stalling the
// registry.
func (r *Registry) Subscribe(assetID string) (<-chan Event, func()) {
	sub := &subscription{assetID: assetID, ch: make(chan Event, subscriberBuffer)}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if _, ok := r.subs[sub]; ok {
			delete(r.subs, sub)
			close(sub.ch)
		}
		r.mu.Unlock()
	}
	return sub.ch, cancel
}

// Inject delivers an event produced by another process instance to local
// subscribers. Used by the relay; never re-published.
func (r *Registry) Inject(event Event) {
	event.Remote = true
	r.publish(event)
}

func (r *Registry) publish(event Event) {
	r.mu.Lock()
	targets := make([]chan Event, 0, len(r.subs))
	for sub := range r.subs {
		if sub.assetID == "" || sub.assetID == event.AssetID {
			targets = append(targets, sub.ch)
		}
	}
	r.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			log.Printf("collab: dropping %s event for %s (slow subscriber)", event.Type, event.AssetID)
		}
	}
}

// Join admits a user to the asset's session, creating the session on first
// join. Idempotent for a user already present. Join always succeeds; seeding
// the operation buffer from the durable store is best-effort.
func (r *Registry) Join(ctx context.Context, assetID string, member Member) SessionState {
	var item *session
	for {
		r.mu.Lock()
		current, ok := r.sessions[assetID]
		if !ok {
			current = &session{
				assetID: assetID,
				members: make(map[string]*Member),
			}
			r.sessions[assetID] = current
		}
		r.mu.Unlock()

		current.mu.Lock()
		if !current.closed {
			item = current
			break
		}
		// Torn down by Leave or Cleanup between lookup and lock; the map
		// entry is gone, so the next iteration creates a fresh session.
		current.mu.Unlock()
	}

	if !item.seeded {
		r.seedSession(ctx, item)
		item.seeded = true
	}
	if _, present := item.members[member.UserID]; !present {
		copied := member
		item.members[member.UserID] = &copied
	}
	state := SessionState{
		AssetID:    assetID,
		Members:    item.memberList(),
		Lock:       r.activeLock(item),
		Operations: append([]Operation(nil), item.log...),
	}
	users := state.Members
	item.mu.Unlock()

	r.publish(Event{Type: EventUsers, AssetID: assetID, From: member.UserID, Users: users})
	return state
}

// seedSession rehydrates lock state and recent history for a session that is
// being recreated, typically after a process restart. Called with the session
// mutex held.
func (r *Registry) seedSession(ctx context.Context, item *session) {
	if lock, err := r.store.GetLock(ctx, item.assetID); err != nil {
		log.Printf("collab: seed lock for %s: %v", item.assetID, err)
	} else if lock != nil {
		item.lock = &LockInfo{UserID: lock.UserID, ExpiresAt: lock.ExpiresAt}
	}

	records, err := r.store.ListOperations(ctx, item.assetID, 0)
	if err != nil {
		log.Printf("collab: seed history for %s: %v", item.assetID, err)
		return
	}
	if len(records) > seedHistoryLimit {
		records = records[len(records)-seedHistoryLimit:]
	}
	for _, record := range records {
		item.log = append(item.log, fromRecord(record))
	}
	if len(item.log) > 0 {
		item.lastModified = item.log[len(item.log)-1].Timestamp
	}
}

// Leave removes the member and tears down the session once empty. The
// persisted history is untouched.
func (r *Registry) Leave(assetID, userID string) {
	item := r.lookup(assetID)
	if item == nil {
		return
	}

	item.mu.Lock()
	delete(item.members, userID)
	if len(item.members) == 0 {
		// Teardown happens while still holding the session mutex so a
		// concurrent Join cannot slip a member into a session that is
		// about to disappear; the closed flag makes that Join retry.
		item.closed = true
		r.mu.Lock()
		if current, ok := r.sessions[assetID]; ok && current == item {
			delete(r.sessions, assetID)
		}
		r.mu.Unlock()
		item.mu.Unlock()
		return
	}
	users := item.memberList()
	item.mu.Unlock()

	r.publish(Event{Type: EventUsers, AssetID: assetID, From: userID, Users: users})
}

// UpdateCursor records a member's cursor position. Best-effort: unknown
// sessions or members are ignored, and nothing is persisted.
func (r *Registry) UpdateCursor(assetID, userID string, point Point) {
	item := r.lookup(assetID)
	if item == nil {
		return
	}
	item.mu.Lock()
	member, ok := item.members[userID]
	if ok {
		copied := point
		member.Cursor = &copied
	}
	item.mu.Unlock()
	if !ok {
		return
	}
	r.publish(Event{Type: EventCursor, AssetID: assetID, From: userID, Cursor: &point})
}

// UpdateSelection records a member's selection. Same best-effort semantics
// as UpdateCursor.
func (r *Registry) UpdateSelection(assetID, userID string, sel Range) {
	item := r.lookup(assetID)
	if item == nil {
		return
	}
	item.mu.Lock()
	member, ok := item.members[userID]
	if ok {
		copied := sel
		member.Selection = &copied
	}
	item.mu.Unlock()
	if !ok {
		return
	}
	r.publish(Event{Type: EventSelection, AssetID: assetID, From: userID, Selection: &sel})
}

// SubmitOperation validates the edit against lock state, persists the audit
// record, appends to the session buffer and broadcasts - strictly in that
// order. A failed persist aborts the operation before anyone can observe it.
func (r *Registry) SubmitOperation(ctx context.Context, assetID, userID string, op Operation) (Operation, error) {
	item := r.lookup(assetID)
	if item == nil {
		return Operation{}, ErrSessionNotFound
	}

	item.mu.Lock()
	defer item.mu.Unlock()

	if item.closed {
		return Operation{}, ErrSessionNotFound
	}
	if lock := r.activeLock(item); lock != nil && lock.UserID != userID {
		return Operation{}, ErrLockConflict
	}

	op.UserID = userID
	op.Timestamp = r.now().UTC()

	record, err := r.store.AppendOperation(ctx, toRecord(assetID, op))
	if err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	op.Timestamp = record.CreatedAt

	item.log = append(item.log, op)
	item.lastModified = op.Timestamp

	applied := op
	r.publish(Event{Type: EventOperation, AssetID: assetID, From: userID, Operation: &applied})
	return op, nil
}

// RequestLock grants the asset's edit lock to the user. Holding the lock
// already is a no-op; an expired lock is displaced.
func (r *Registry) RequestLock(ctx context.Context, assetID, userID string) (*LockInfo, error) {
	item := r.lookup(assetID)
	if item == nil {
		return nil, ErrSessionNotFound
	}

	item.mu.Lock()
	defer item.mu.Unlock()

	if item.closed {
		return nil, ErrSessionNotFound
	}
	if lock := r.activeLock(item); lock != nil {
		if lock.UserID != userID {
			return nil, ErrLockConflict
		}
		held := *lock
		return &held, nil
	}

	lock := LockInfo{UserID: userID, ExpiresAt: r.now().Add(r.lockTTL)}
	err := r.store.UpsertLock(ctx, store.Lock{AssetID: assetID, UserID: userID, ExpiresAt: lock.ExpiresAt})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	item.lock = &lock

	granted := lock
	r.publish(Event{Type: EventLockState, AssetID: assetID, From: userID, Lock: &granted})
	return &granted, nil
}

// ReleaseLock releases the caller's lock. Only the active holder may release.
func (r *Registry) ReleaseLock(ctx context.Context, assetID, userID string) error {
	item := r.lookup(assetID)
	if item == nil {
		return ErrSessionNotFound
	}

	item.mu.Lock()
	defer item.mu.Unlock()

	if item.closed {
		return ErrSessionNotFound
	}
	lock := r.activeLock(item)
	if lock == nil || lock.UserID != userID {
		return ErrNotLockOwner
	}

	if err := r.store.DeleteLock(ctx, assetID); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	item.lock = nil

	r.publish(Event{Type: EventLockState, AssetID: assetID, From: userID})
	return nil
}

// CanEdit reports whether the user may submit operations right now.
func (r *Registry) CanEdit(assetID, userID string) bool {
	item := r.lookup(assetID)
	if item == nil {
		return false
	}
	item.mu.Lock()
	defer item.mu.Unlock()
	lock := r.activeLock(item)
	return lock == nil || lock.UserID == userID
}

// ActiveUsers returns the current members of an asset's session; empty when
// no session exists.
func (r *Registry) ActiveUsers(assetID string) []Member {
	item := r.lookup(assetID)
	if item == nil {
		return []Member{}
	}
	item.mu.Lock()
	defer item.mu.Unlock()
	return item.memberList()
}

// History reads the persisted audit log in ascending timestamp order,
// independent of live session state. limit <= 0 returns everything.
func (r *Registry) History(ctx context.Context, assetID string, limit int) ([]Operation, error) {
	records, err := r.store.ListOperations(ctx, assetID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	items := make([]Operation, 0, len(records))
	for _, record := range records {
		items = append(items, fromRecord(record))
	}
	return items, nil
}

// Cleanup removes expired persisted locks and garbage-collects any live
// session that has lost all members. Run periodically, not per-request.
func (r *Registry) Cleanup(ctx context.Context) (int, error) {
	removed, err := r.store.DeleteExpiredLocks(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	r.mu.Lock()
	snapshot := make(map[string]*session, len(r.sessions))
	for assetID, item := range r.sessions {
		snapshot[assetID] = item
	}
	r.mu.Unlock()

	for assetID, item := range snapshot {
		item.mu.Lock()
		if len(item.members) == 0 {
			item.closed = true
			r.mu.Lock()
			if current, ok := r.sessions[assetID]; ok && current == item {
				delete(r.sessions, assetID)
			}
			r.mu.Unlock()
		}
		item.mu.Unlock()
	}

	return removed, nil
}

func (r *Registry) lookup(assetID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[assetID]
}

// activeLock is the single expiry predicate every lock-aware path goes
// through. An expired lock is indistinguishable from no lock. Called with
// the session mutex held.
func (r *Registry) activeLock(item *session) *LockInfo {
	if item.lock == nil {
		return nil
	}
	if !item.lock.ExpiresAt.After(r.now()) {
		item.lock = nil
		return nil
	}
	held := *item.lock
	return &held
}

func (s *session) memberList() []Member {
	items := make([]Member, 0, len(s.members))
	for _, member := range s.members {
		copied := *member
		if member.Cursor != nil {
			cursor := *member.Cursor
			copied.Cursor = &cursor
		}
		if member.Selection != nil {
			sel := *member.Selection
			copied.Selection = &sel
		}
		items = append(items, copied)
	}
	return items
}

func toRecord(assetID string, op Operation) store.Operation {
	return store.Operation{
		AssetID:  assetID,
		UserID:   op.UserID,
		Type:     op.Type,
		Position: op.Position,
		Length:   op.Length,
		Content:  op.Content,
		Path:     op.Path,
		Target:   op.Target,
	}
}

func fromRecord(record store.Operation) Operation {
	return Operation{
		Type:      record.Type,
		Position:  record.Position,
		Length:    record.Length,
		Content:   record.Content,
		Path:      record.Path,
		Target:    record.Target,
		UserID:    record.UserID,
		Timestamp: record.CreatedAt,
	}
}
