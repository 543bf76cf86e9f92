package syncengine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAdapter answers each call from a script indexed by call number. A nil
// script func succeeds.
type fakeAdapter struct {
	target SyncTarget

	mu        sync.Mutex
	createFn  func(call int, entity Entity) (string, error)
	updateFn  func(call int, externalID string, entity Entity) error
	deleteFn  func(call int, externalID string) error
	healthErr error
	creates   int
	updates   int
	deletes   int
	deletedID []string
}

func (a *fakeAdapter) Target() SyncTarget { return a.target }

func (a *fakeAdapter) Create(ctx context.Context, entity Entity) (string, error) {
	a.mu.Lock()
	a.creates++
	call, fn := a.creates, a.createFn
	a.mu.Unlock()
	if fn == nil {
		return string(a.target) + "-1", nil
	}
	return fn(call, entity)
}

func (a *fakeAdapter) Update(ctx context.Context, externalID string, entity Entity) error {
	a.mu.Lock()
	a.updates++
	call, fn := a.updates, a.updateFn
	a.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(call, externalID, entity)
}

func (a *fakeAdapter) Delete(ctx context.Context, externalID string) error {
	a.mu.Lock()
	a.deletes++
	a.deletedID = append(a.deletedID, externalID)
	call, fn := a.deletes, a.deleteFn
	a.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(call, externalID)
}

func (a *fakeAdapter) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthErr
}

func (a *fakeAdapter) counts() (creates, updates, deletes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creates, a.updates, a.deletes
}

type refreshingAdapter struct {
	*fakeAdapter
	refreshErr error
	refreshes  int
}

func (a *refreshingAdapter) RefreshCredentials(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	return a.refreshErr
}

type recordedMail struct {
	To, Subject, HTML, Text string
}

type fakeMailer struct {
	mu    sync.Mutex
	sent  []recordedMail
	errFn func(call int, to string) error
	calls int
}

func (m *fakeMailer) Send(ctx context.Context, to, subject, html, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.errFn != nil {
		if err := m.errFn(m.calls, to); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, recordedMail{To: to, Subject: subject, HTML: html, Text: text})
	return nil
}

func (m *fakeMailer) delivered() []recordedMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedMail(nil), m.sent...)
}

func publicEvent(id string, startsAt time.Time) Entity {
	return Entity{
		Ref: EntityRef{Kind: EntityEvent, ID: id},
		Event: &EventDetails{
			Title:            "Board game night",
			Description:      "Bring a friend",
			StartsAt:         startsAt,
			EndsAt:           startsAt.Add(3 * time.Hour),
			Timezone:         "Europe/Berlin",
			LocationLabel:    "The Cave",
			Visibility:       VisibilityPublic,
			Published:        true,
			AnnounceOnSocial: true,
		},
	}
}

func supporterEntity(id, email string) Entity {
	return Entity{
		Ref: EntityRef{Kind: EntitySupporter, ID: id},
		Supporter: &SupporterDetails{
			Email:       email,
			DisplayName: "Supporter " + id,
			Tier:        "gold",
			Active:      true,
			NotifyOptIn: true,
		},
	}
}

func mustPut(t *testing.T, entities *MemoryEntityStore, entity Entity) {
	t.Helper()
	if err := entities.Put(context.Background(), entity); err != nil {
		t.Fatalf("put %s: %v", entity.Ref, err)
	}
}
