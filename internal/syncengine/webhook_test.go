package syncengine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

const testWebhookSecret = "whsec_test"

type webhookFixture struct {
	store    *MemoryStore
	entities *MemoryEntityStore
	ingestor *WebhookIngestor
	provider WebhookProvider
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	return newWebhookFixtureWith(t, nil, nil)
}

// newWebhookFixtureWith lets a test put wrappers around the store and the
// entity store the ingestor writes through.
func newWebhookFixtureWith(t *testing.T, wrapStore func(*MemoryStore) Store, wrapEntities func(*MemoryEntityStore) EntityStore) *webhookFixture {
	t.Helper()
	store := NewMemoryStore()
	entities := NewMemoryEntityStore()
	var ingestStore Store = store
	if wrapStore != nil {
		ingestStore = wrapStore(store)
	}
	var ingestEntities EntityStore = entities
	if wrapEntities != nil {
		ingestEntities = wrapEntities(entities)
	}
	now := func() time.Time { return time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC) }
	planner, err := NewNotificationPlanner(NotificationPlannerOptions{
		Store:    store,
		Entities: entities,
		Logger:   newTestLogger(),
		ClubName: "The Dreamers Cave",
		Now:      now,
	})
	if err != nil {
		t.Fatalf("new planner: %v", err)
	}
	provider := WebhookProvider{Name: "patreon", Secret: testWebhookSecret}
	ingestor, err := NewWebhookIngestor(WebhookIngestorOptions{
		Store:     ingestStore,
		Entities:  ingestEntities,
		Planner:   planner,
		Logger:    newTestLogger(),
		Providers: []WebhookProvider{provider},
		Now:       now,
	})
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	return &webhookFixture{store: store, entities: entities, ingestor: ingestor, provider: provider.withDefaults()}
}

func (f *webhookFixture) deliver(t *testing.T, eventType, eventID, body string) (WebhookResult, error) {
	t.Helper()
	header := http.Header{}
	header.Set("X-Patreon-Event", eventType)
	if eventID != "" {
		header.Set("X-Webhook-Id", eventID)
	}
	header.Set("X-Patreon-Signature", f.provider.Sign([]byte(body)))
	return f.ingestor.Ingest(context.Background(), WebhookRequest{Provider: "patreon", Header: header, Body: []byte(body)})
}

const memberCreateBody = `{"data":{"id":"mem_1","type":"member","attributes":{"email":"ada@example.com","full_name":"Ada Lovelace","patron_status":"active_patron","tier":"gold"}}}`

func TestWebhookAppliesOnceAndAbsorbsReplays(t *testing.T) {
	f := newWebhookFixture(t)

	result, err := f.deliver(t, "members:create", "evt_42", memberCreateBody)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if result.Status != WebhookAccepted || result.Event != MemberCreated || result.Entity == nil {
		t.Fatalf("unexpected result: %+v", result)
	}

	replay, err := f.deliver(t, "members:create", "evt_42", memberCreateBody)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Status != WebhookDuplicate || replay.EventID != "evt_42" {
		t.Fatalf("expected duplicate, got %+v", replay)
	}

	entries, err := f.store.ListLog(context.Background(), LogFilter{Action: LogWebhookIn})
	if err != nil {
		t.Fatalf("list log: %v", err)
	}
	if len(entries) != 1 || entries[0].ProviderEventID != "evt_42" || entries[0].Entity != *result.Entity {
		t.Fatalf("expected one webhook_in entry for the supporter, got %+v", entries)
	}

	supporter, err := f.entities.Get(context.Background(), *result.Entity)
	if err != nil {
		t.Fatalf("get supporter: %v", err)
	}
	if supporter.Supporter.Email != "ada@example.com" || supporter.Supporter.Tier != "gold" || !supporter.Supporter.Active {
		t.Fatalf("unexpected supporter: %+v", supporter.Supporter)
	}

	notifications, err := f.store.ListNotifications(context.Background(), NotificationFilter{})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notifications) != 1 {
		t.Fatalf("expected one welcome notice, got %d", len(notifications))
	}
	notice := notifications[0]
	if notice.Kind != NotifySystem || notice.DedupKey != "system:patreon:evt_42" || notice.Payload.Subject != "Welcome to The Dreamers Cave" {
		t.Fatalf("unexpected notice: %+v", notice)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newWebhookFixture(t)
	header := http.Header{}
	header.Set("X-Patreon-Event", "members:create")
	header.Set("X-Webhook-Id", "evt_43")
	header.Set("X-Patreon-Signature", f.provider.Sign([]byte(`{"tampered":true}`)))

	result, err := f.ingestor.Ingest(context.Background(), WebhookRequest{Provider: "patreon", Header: header, Body: []byte(memberCreateBody)})
	if !errors.Is(err, ErrSignatureInvalid) || result.Status != WebhookUnauthorized {
		t.Fatalf("expected unauthorized, got %+v err=%v", result, err)
	}
	entries, err := f.store.ListLog(context.Background(), LogFilter{Action: LogWebhookIn, Status: LogWarning})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected a warning entry, got %d err=%v", len(entries), err)
	}
	subscribers, err := f.entities.ListSubscribers(context.Background())
	if err != nil || len(subscribers) != 0 {
		t.Fatalf("expected no supporter written, got %+v err=%v", subscribers, err)
	}

	// the rejected delivery must not consume the event id
	if result, err := f.deliver(t, "members:create", "evt_43", memberCreateBody); err != nil || result.Status != WebhookAccepted {
		t.Fatalf("expected the signed retry to be accepted, got %+v err=%v", result, err)
	}
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	f := newWebhookFixture(t)
	result, err := f.deliver(t, "members:update", "evt_44", `{"data":{"type":"member","attributes":{}}}`)
	if !errors.Is(err, ErrPayloadInvalid) || result.Status != WebhookRejected {
		t.Fatalf("expected rejected payload, got %+v err=%v", result, err)
	}
	entries, err := f.store.ListLog(context.Background(), LogFilter{Status: LogError})
	if err != nil || len(entries) != 1 || entries[0].ProviderEventID != "evt_44" {
		t.Fatalf("expected an error entry, got %+v err=%v", entries, err)
	}
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	f := newWebhookFixture(t)
	result, err := f.deliver(t, "posts:publish", "evt_45", `{"anything":"goes"}`)
	if err != nil || result.Status != WebhookIgnored {
		t.Fatalf("expected ignored event, got %+v err=%v", result, err)
	}
	replay, err := f.deliver(t, "posts:publish", "evt_45", `{"anything":"goes"}`)
	if err != nil || replay.Status != WebhookDuplicate {
		t.Fatalf("expected the ignored event to be recorded, got %+v err=%v", replay, err)
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	f := newWebhookFixture(t)
	if _, err := f.ingestor.Ingest(context.Background(), WebhookRequest{Provider: "kofi", Body: []byte(`{}`)}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWebhookTierChangeAndCancellation(t *testing.T) {
	f := newWebhookFixture(t)
	if _, err := f.deliver(t, "members:create", "evt_50", memberCreateBody); err != nil {
		t.Fatalf("create: %v", err)
	}

	upgrade := `{"data":{"id":"mem_1","type":"member","attributes":{"patron_status":"active_patron"},
		"relationships":{"currently_entitled_tiers":{"data":[{"id":"tier_9","type":"tier"}]}}},
		"included":[{"id":"tier_9","type":"tier","attributes":{"title":"platinum"}}]}`
	result, err := f.deliver(t, "members:pledge:update", "evt_51", upgrade)
	if err != nil || result.Status != WebhookAccepted {
		t.Fatalf("upgrade: %+v err=%v", result, err)
	}
	supporter, err := f.entities.Get(context.Background(), *result.Entity)
	if err != nil || supporter.Supporter.Tier != "platinum" {
		t.Fatalf("expected tier from included resources, got %+v err=%v", supporter.Supporter, err)
	}
	notice, err := f.noticeFor("system:patreon:evt_51")
	if err != nil || notice.Payload.Subject != "Your membership was updated" {
		t.Fatalf("expected an update notice, got %+v err=%v", notice, err)
	}

	if _, err := f.deliver(t, "members:pledge:delete", "evt_52", `{"data":{"id":"mem_1","attributes":{}}}`); err != nil {
		t.Fatalf("pledge delete: %v", err)
	}
	notice, err = f.noticeFor("system:patreon:evt_52")
	if err != nil || notice.Payload.Subject != "Your support has ended" {
		t.Fatalf("expected an ended notice, got %+v err=%v", notice, err)
	}
	if subscribers, _ := f.entities.ListSubscribers(context.Background()); len(subscribers) != 0 {
		t.Fatalf("expected the inactive supporter to stop receiving mail, got %+v", subscribers)
	}
}

func TestWebhookDeleteOfUnknownMember(t *testing.T) {
	f := newWebhookFixture(t)
	result, err := f.deliver(t, "members:delete", "evt_60", `{"data":{"id":"mem_404","attributes":{}}}`)
	if err != nil || result.Status != WebhookAccepted || result.Entity != nil {
		t.Fatalf("expected an accepted no-op, got %+v err=%v", result, err)
	}
	entries, err := f.store.ListLog(context.Background(), LogFilter{Status: LogWarning})
	if err != nil || len(entries) != 1 || !strings.Contains(entries[0].ErrorMessage, "mem_404") {
		t.Fatalf("expected a warning about the unknown member, got %+v err=%v", entries, err)
	}
}

func TestWebhookEventIDFallsBackToPayloadThenDigest(t *testing.T) {
	if got := webhookEventID("", []byte(`"evt_9"`), "members:create", nil); got != "evt_9" {
		t.Fatalf("expected payload id, got %q", got)
	}
	a := webhookEventID("", nil, "members:create", []byte(`{"a":1}`))
	b := webhookEventID("", nil, "members:update", []byte(`{"a":1}`))
	if !strings.HasPrefix(a, "sha256:") || a == b {
		t.Fatalf("expected distinct digests, got %q and %q", a, b)
	}
}

func (f *webhookFixture) noticeFor(dedupKey string) (Notification, error) {
	notifications, err := f.store.ListNotifications(context.Background(), NotificationFilter{})
	if err != nil {
		return Notification{}, err
	}
	for _, n := range notifications {
		if n.DedupKey == dedupKey {
			return n, nil
		}
	}
	return Notification{}, ErrNotFound
}

// noticeOutageStore fails the notification insert of the next failNext
// webhook transactions, after the entity write already happened.
type noticeOutageStore struct {
	*MemoryStore
	mu       sync.Mutex
	failNext int
}

func (s *noticeOutageStore) RecordWebhook(ctx context.Context, receipt WebhookReceipt, apply func(tx TxStore) error) (bool, error) {
	return s.MemoryStore.RecordWebhook(ctx, receipt, func(tx TxStore) error {
		s.mu.Lock()
		fail := s.failNext > 0
		if fail {
			s.failNext--
		}
		s.mu.Unlock()
		if fail {
			tx = noticeOutageTx{TxStore: tx}
		}
		return apply(tx)
	})
}

type noticeOutageTx struct {
	TxStore
}

func (noticeOutageTx) EnqueueNotification(ctx context.Context, n Notification) (Notification, bool, error) {
	return Notification{}, false, errors.New("notification queue unavailable")
}

func TestWebhookRedeliveryAfterFailedApplyKeepsTierNotice(t *testing.T) {
	var outage *noticeOutageStore
	f := newWebhookFixtureWith(t, func(store *MemoryStore) Store {
		outage = &noticeOutageStore{MemoryStore: store}
		return outage
	}, nil)
	if _, err := f.deliver(t, "members:create", "evt_50", memberCreateBody); err != nil {
		t.Fatalf("create: %v", err)
	}

	upgrade := `{"data":{"id":"mem_1","type":"member","attributes":{"patron_status":"active_patron","tier":"platinum"}}}`
	outage.mu.Lock()
	outage.failNext = 1
	outage.mu.Unlock()
	if _, err := f.deliver(t, "members:pledge:update", "evt_51", upgrade); err == nil {
		t.Fatalf("expected the first delivery to fail")
	}
	if _, err := f.noticeFor("system:patreon:evt_51"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no notice after the failed delivery, got %v", err)
	}

	result, err := f.deliver(t, "members:pledge:update", "evt_51", upgrade)
	if err != nil || result.Status != WebhookAccepted {
		t.Fatalf("expected the redelivery to be accepted, got %+v err=%v", result, err)
	}
	notice, err := f.noticeFor("system:patreon:evt_51")
	if err != nil || notice.Payload.Subject != "Your membership was updated" {
		t.Fatalf("expected the update notice on redelivery, got %+v err=%v", notice, err)
	}
	supporter, err := f.entities.Get(context.Background(), *result.Entity)
	if err != nil || supporter.Supporter.Tier != "platinum" {
		t.Fatalf("unexpected supporter %+v err=%v", supporter.Supporter, err)
	}
	entries, err := f.store.ListLog(context.Background(), LogFilter{Action: LogWebhookIn, Status: LogSuccess})
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected one success entry per applied event, got %d err=%v", len(entries), err)
	}
}

func TestWebhookRedeliveryAfterFailedCreateKeepsWelcome(t *testing.T) {
	var outage *noticeOutageStore
	f := newWebhookFixtureWith(t, func(store *MemoryStore) Store {
		outage = &noticeOutageStore{MemoryStore: store, failNext: 1}
		return outage
	}, nil)
	if _, err := f.deliver(t, "members:create", "evt_70", memberCreateBody); err == nil {
		t.Fatalf("expected the first delivery to fail")
	}
	if _, err := f.deliver(t, "members:create", "evt_70", memberCreateBody); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	notice, err := f.noticeFor("system:patreon:evt_70")
	if err != nil || notice.Payload.Subject != "Welcome to The Dreamers Cave" {
		t.Fatalf("expected the welcome notice on redelivery, got %+v err=%v", notice, err)
	}
	if subscribers, _ := f.entities.ListSubscribers(context.Background()); len(subscribers) != 1 {
		t.Fatalf("expected a single supporter, got %+v", subscribers)
	}
}

func TestWebhookRejectsWhitespaceMemberID(t *testing.T) {
	f := newWebhookFixture(t)
	result, err := f.deliver(t, "members:update", "evt_80", `{"data":{"id":"   ","attributes":{}}}`)
	if !errors.Is(err, ErrPayloadInvalid) || result.Status != WebhookRejected {
		t.Fatalf("expected a rejected payload, got %+v err=%v", result, err)
	}
}

// invalidChangeEntities refuses every supporter change as invalid input.
type invalidChangeEntities struct {
	*MemoryEntityStore
}

func (invalidChangeEntities) ApplySupporterChange(ctx context.Context, change SupporterChange) (SupporterChangeResult, error) {
	return SupporterChangeResult{}, invalidInputf("supporter change for %q is incomplete", change.ProviderMemberID)
}

func TestWebhookInvalidSupporterChangeIsRejected(t *testing.T) {
	f := newWebhookFixtureWith(t, nil, func(entities *MemoryEntityStore) EntityStore {
		return invalidChangeEntities{MemoryEntityStore: entities}
	})
	result, err := f.deliver(t, "members:update", "evt_81", memberCreateBody)
	if !errors.Is(err, ErrPayloadInvalid) || result.Status != WebhookRejected || result.Entity != nil {
		t.Fatalf("expected a rejected payload, got %+v err=%v", result, err)
	}
	entries, err := f.store.ListLog(context.Background(), LogFilter{Status: LogError})
	if err != nil || len(entries) != 1 || entries[0].ProviderEventID != "evt_81" {
		t.Fatalf("expected one error entry, got %+v err=%v", entries, err)
	}
	if _, err := f.noticeFor("system:patreon:evt_81"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no notice, got %v", err)
	}
}
