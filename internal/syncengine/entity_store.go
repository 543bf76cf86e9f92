package syncengine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EntityChangeFunc func(ctx context.Context, ref EntityRef)

// EntityStore is the window into the canonical event and supporter rows
// owned by the CRUD layer. Get returns deleted entities as tombstones
// (Deleted=true) and ErrNotFound only for ids that never existed.
type EntityStore interface {
	Get(ctx context.Context, ref EntityRef) (Entity, error)
	Subscribe(fn EntityChangeFunc) (unsubscribe func())
	ApplySupporterChange(ctx context.Context, change SupporterChange) (SupporterChangeResult, error)
	ListSubscribers(ctx context.Context) ([]Recipient, error)
	ListUpcomingEvents(ctx context.Context, from, to time.Time) ([]Entity, error)
}

// SupporterChange is the canonical form of a subscription-provider event.
type SupporterChange struct {
	ProviderMemberID string
	Email            string
	DisplayName      string
	Tier             string
	Active           bool
	Deleted          bool
	// EventID identifies the provider event. A change whose EventID matches
	// the row's LastChange was already applied and is reported again
	// without writing.
	EventID string
}

type SupporterChangeResult struct {
	Ref      EntityRef
	Created  bool
	Previous *SupporterDetails
	Current  Entity
}

// TierChanged reports whether an existing supporter moved to another tier
// or changed active state.
func (r SupporterChangeResult) TierChanged() bool {
	if r.Previous == nil || r.Current.Supporter == nil {
		return false
	}
	return r.Previous.Tier != r.Current.Supporter.Tier || r.Previous.Active != r.Current.Supporter.Active
}

// replayedSupporterChange rebuilds the result of a change that already
// reached the row, using the state recorded before it was applied.
func replayedSupporterChange(existing Entity, change SupporterChange) (SupporterChangeResult, bool) {
	eventID := strings.TrimSpace(change.EventID)
	if eventID == "" || existing.Supporter == nil || existing.Supporter.LastChange.EventID != eventID {
		return SupporterChangeResult{}, false
	}
	mark := existing.Supporter.LastChange
	result := SupporterChangeResult{Ref: existing.Ref, Created: mark.Created, Current: cloneEntity(existing)}
	if !mark.Created {
		previous := *existing.Supporter
		previous.Tier = mark.PriorTier
		previous.Active = mark.PriorActive
		result.Previous = &previous
	}
	return result, true
}

func applySupporterChange(details SupporterDetails, change SupporterChange, created bool) SupporterDetails {
	if eventID := strings.TrimSpace(change.EventID); eventID != "" {
		details.LastChange = SupporterChangeMark{
			EventID:     eventID,
			Created:     created,
			PriorTier:   details.Tier,
			PriorActive: details.Active,
		}
	}
	if email := strings.TrimSpace(change.Email); email != "" {
		details.Email = email
	}
	if name := strings.TrimSpace(change.DisplayName); name != "" {
		details.DisplayName = name
	}
	if member := strings.TrimSpace(change.ProviderMemberID); member != "" {
		details.ProviderMemberID = member
	}
	details.Tier = strings.TrimSpace(change.Tier)
	details.Active = change.Active && !change.Deleted
	return details
}

// ChangeFeed delivers entity change notifications to subscribers on their
// own goroutines, detached from the caller's cancellation. Publishing inside
// a store transaction therefore never re-enters the store synchronously.
type ChangeFeed struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]EntityChangeFunc
	wg     sync.WaitGroup
}

func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subs: map[int]EntityChangeFunc{}}
}

func (f *ChangeFeed) Subscribe(fn EntityChangeFunc) func() {
	if fn == nil {
		return func() {}
	}
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *ChangeFeed) Publish(ctx context.Context, ref EntityRef) {
	detached := context.WithoutCancel(ctx)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, fn := range f.subs {
		fn := fn
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			fn(detached, ref)
		}()
	}
}

// Wait blocks until every delivered notification has been handled.
func (f *ChangeFeed) Wait() {
	f.wg.Wait()
}

// MemoryEntityStore is an in-process EntityStore for tests and local runs.
type MemoryEntityStore struct {
	*ChangeFeed

	mu       sync.RWMutex
	entities map[EntityRef]Entity
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		ChangeFeed: NewChangeFeed(),
		entities:   map[EntityRef]Entity{},
	}
}

// Put stores the entity and notifies subscribers.
func (s *MemoryEntityStore) Put(ctx context.Context, entity Entity) error {
	if err := entity.validate(); err != nil {
		return err
	}
	if entity.UpdatedAt.IsZero() {
		entity.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.entities[entity.Ref] = cloneEntity(entity)
	s.mu.Unlock()
	s.Publish(ctx, entity.Ref)
	return nil
}

// Delete turns the entity into a tombstone and notifies subscribers.
func (s *MemoryEntityStore) Delete(ctx context.Context, ref EntityRef) error {
	s.mu.Lock()
	entity, ok := s.entities[ref]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	entity.Deleted = true
	entity.UpdatedAt = time.Now().UTC()
	s.entities[ref] = entity
	s.mu.Unlock()
	s.Publish(ctx, ref)
	return nil
}

func (s *MemoryEntityStore) Get(ctx context.Context, ref EntityRef) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[ref]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return cloneEntity(entity), nil
}

func (s *MemoryEntityStore) ApplySupporterChange(ctx context.Context, change SupporterChange) (SupporterChangeResult, error) {
	memberID := strings.TrimSpace(change.ProviderMemberID)
	email := strings.ToLower(strings.TrimSpace(change.Email))
	if memberID == "" && email == "" {
		return SupporterChangeResult{}, invalidInputf("supporter change needs a member id or an email")
	}
	s.mu.Lock()
	var (
		existing Entity
		found    bool
	)
	for _, entity := range s.entities {
		if entity.Ref.Kind != EntitySupporter || entity.Supporter == nil {
			continue
		}
		if (memberID != "" && entity.Supporter.ProviderMemberID == memberID) ||
			(email != "" && strings.EqualFold(entity.Supporter.Email, email)) {
			existing, found = entity, true
			break
		}
	}
	if found {
		if replay, ok := replayedSupporterChange(existing, change); ok {
			s.mu.Unlock()
			s.Publish(ctx, existing.Ref)
			return replay, nil
		}
	}
	result := SupporterChangeResult{}
	if found {
		previous := *existing.Supporter
		result.Previous = &previous
	} else {
		if change.Deleted {
			s.mu.Unlock()
			return SupporterChangeResult{}, ErrNotFound
		}
		existing = Entity{
			Ref:       EntityRef{Kind: EntitySupporter, ID: uuid.NewString()},
			Supporter: &SupporterDetails{NotifyOptIn: true},
		}
		result.Created = true
	}
	details := applySupporterChange(*existing.Supporter, change, result.Created)
	existing.Supporter = &details
	existing.Deleted = change.Deleted
	existing.UpdatedAt = time.Now().UTC()
	s.entities[existing.Ref] = existing
	s.mu.Unlock()

	result.Ref = existing.Ref
	result.Current = cloneEntity(existing)
	s.Publish(ctx, existing.Ref)
	return result, nil
}

func (s *MemoryEntityStore) ListSubscribers(ctx context.Context) ([]Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Recipient, 0)
	for _, entity := range s.entities {
		if entity.Deleted || entity.Ref.Kind != EntitySupporter || entity.Supporter == nil {
			continue
		}
		sup := entity.Supporter
		if !sup.Active || !sup.NotifyOptIn || strings.TrimSpace(sup.Email) == "" {
			continue
		}
		out = append(out, Recipient{ID: entity.Ref.ID, Email: sup.Email, Name: sup.DisplayName})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryEntityStore) ListUpcomingEvents(ctx context.Context, from, to time.Time) ([]Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entity, 0)
	for _, entity := range s.entities {
		if entity.Deleted || entity.Ref.Kind != EntityEvent || entity.Event == nil || !entity.Event.Published {
			continue
		}
		if entity.Event.StartsAt.Before(from) || !entity.Event.StartsAt.Before(to) {
			continue
		}
		out = append(out, cloneEntity(entity))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event.StartsAt.Before(out[j].Event.StartsAt) })
	return out, nil
}

func cloneEntity(entity Entity) Entity {
	if entity.Event != nil {
		details := *entity.Event
		entity.Event = &details
	}
	if entity.Supporter != nil {
		details := *entity.Supporter
		entity.Supporter = &details
	}
	return entity
}
