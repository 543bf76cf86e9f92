package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"google.golang.org/api/calendar/v3"
)

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuthExpired},
		{http.StatusNotFound, KindNotFoundRemote},
		{http.StatusGone, KindNotFoundRemote},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusRequestTimeout, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusBadRequest, KindRejected},
		{http.StatusForbidden, KindRejected},
	}
	for _, tc := range cases {
		got := classifyHTTPStatus(tc.status, http.Header{}, "boom")
		if got.Kind != tc.kind {
			t.Fatalf("status %d: expected %s, got %s", tc.status, tc.kind, got.Kind)
		}
	}
	header := http.Header{}
	header.Set("Retry-After", "12")
	if got := classifyHTTPStatus(http.StatusTooManyRequests, header, ""); got.RetryAfter != 12*time.Second || got.Code != "http_429" {
		t.Fatalf("unexpected rate limit error: %+v", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("30", now); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	if got := parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now); got != 90*time.Second {
		t.Fatalf("expected 90s from an HTTP date, got %s", got)
	}
	for _, raw := range []string{"", "-5", "soon", now.Add(-time.Minute).Format(http.TimeFormat)} {
		if got := parseRetryAfter(raw, now); got != 0 {
			t.Fatalf("expected zero for %q, got %s", raw, got)
		}
	}
}

func TestClassifyErrorDefaultsToTransient(t *testing.T) {
	if kind := classifyError(errors.New("weird")); kind != KindTransient {
		t.Fatalf("expected transient, got %s", kind)
	}
	wrapped := errors.Join(errors.New("context"), NewTargetError(KindRejected, "http_422", "nope"))
	if kind := classifyError(wrapped); kind != KindRejected {
		t.Fatalf("expected rejected through wrapping, got %s", kind)
	}
	if !errors.Is(NewTargetError(KindAuthExpired, "", ""), ErrAuthExpired) {
		t.Fatalf("expected TargetError to match its sentinel")
	}
}

type graphRequest struct {
	Method string
	Path   string
	Auth   string
	Form   map[string]string
}

type fakeGraph struct {
	mu       sync.Mutex
	requests []graphRequest
	handle   func(w http.ResponseWriter, r *http.Request)
}

func (g *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	form := map[string]string{}
	for key := range r.PostForm {
		form[key] = r.PostForm.Get(key)
	}
	g.mu.Lock()
	g.requests = append(g.requests, graphRequest{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Form: form})
	handle := g.handle
	g.mu.Unlock()
	handle(w, r)
}

func (g *fakeGraph) last() graphRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func newTestSocialAdapter(t *testing.T, graph *fakeGraph, creds CredentialStore) *SocialPostAdapter {
	t.Helper()
	srv := httptest.NewServer(graph)
	t.Cleanup(srv.Close)
	return NewSocialPostAdapter(TargetSocialPage, SocialPostOptions{
		BaseURL:           srv.URL,
		FeedID:            "page_1",
		HTTPClient:        srv.Client(),
		Credentials:       NewTargetClient(TargetSocialPage, creds, nil),
		RequestsPerSecond: 1000,
	})
}

func TestSocialAdapterPostsAndEdits(t *testing.T) {
	graph := &fakeGraph{handle: func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/page_1/feed" {
			_, _ = io.WriteString(w, `{"id":"page_1_post_7"}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":true}`)
	}}
	creds := NewStaticCredentialStore(map[SyncTarget]Credentials{TargetSocialPage: {Token: "tok-page"}})
	adapter := newTestSocialAdapter(t, graph, creds)
	event := publicEvent("evt_1", time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC))
	event.Event.URL = "https://cave.example.org/events/evt_1"

	id, err := adapter.Create(context.Background(), event)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "page_1_post_7" {
		t.Fatalf("unexpected post id %q", id)
	}
	created := graph.last()
	if created.Auth != "Bearer tok-page" {
		t.Fatalf("expected bearer token, got %q", created.Auth)
	}
	if !strings.HasPrefix(created.Form["message"], "Board game night\n") || created.Form["link"] != event.Event.URL {
		t.Fatalf("unexpected post form: %+v", created.Form)
	}

	if err := adapter.Update(context.Background(), id, event); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated := graph.last()
	if updated.Path != "/page_1_post_7" {
		t.Fatalf("unexpected update path %q", updated.Path)
	}
	if _, ok := updated.Form["link"]; ok {
		t.Fatalf("edits must not resend the link: %+v", updated.Form)
	}
}

func TestSocialAdapterMapsGraphErrors(t *testing.T) {
	var status int
	var body string
	graph := &fakeGraph{handle: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}}
	creds := NewStaticCredentialStore(map[SyncTarget]Credentials{TargetSocialPage: {Token: "tok-page"}})
	adapter := newTestSocialAdapter(t, graph, creds)
	event := publicEvent("evt_1", time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC))

	cases := []struct {
		status int
		body   string
		kind   ErrorKind
	}{
		{http.StatusBadRequest, `{"error":{"message":"Session has expired","code":190}}`, KindAuthExpired},
		{http.StatusBadRequest, `{"error":{"message":"Application request limit reached","code":4}}`, KindRateLimited},
		{http.StatusBadRequest, `{"error":{"message":"Invalid parameter","code":100}}`, KindRejected},
		{http.StatusInternalServerError, `oops`, KindTransient},
	}
	for _, tc := range cases {
		status, body = tc.status, tc.body
		_, err := adapter.Create(context.Background(), event)
		if kind := classifyError(err); kind != tc.kind {
			t.Fatalf("body %s: expected %s, got %s (%v)", tc.body, tc.kind, kind, err)
		}
	}

	status, body = http.StatusBadRequest, `{"error":{"message":"Object does not exist","code":100,"error_subcode":33}}`
	if err := adapter.Delete(context.Background(), "page_1_post_7"); err != nil {
		t.Fatalf("expected delete of a missing post to succeed, got %v", err)
	}
}

func TestSocialAdapterRejectsSupporters(t *testing.T) {
	graph := &fakeGraph{handle: func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	}}
	adapter := newTestSocialAdapter(t, graph, NewStaticCredentialStore(nil))
	if _, err := adapter.Create(context.Background(), supporterEntity("sup_1", "ada@example.com")); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestSubscriptionAdapterAdoptsProviderMember(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch {
		case r.Method == http.MethodPatch && r.URL.Path == "/members/mem_known":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/members":
			var doc memberDocument
			if err := json.NewDecoder(r.Body).Decode(&doc); err != nil || doc.Data.Attributes.Email == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = io.WriteString(w, `{"data":{"id":"mem_new","type":"member","attributes":{}}}`)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	t.Cleanup(srv.Close)
	adapter := NewSubscriptionAdapter(SubscriptionOptions{
		BaseURL:           srv.URL,
		CampaignID:        "camp_1",
		HTTPClient:        srv.Client(),
		Credentials:       NewTargetClient(TargetSubscriptionProvider, NewStaticCredentialStore(map[SyncTarget]Credentials{TargetSubscriptionProvider: {Token: "tok"}}), nil),
		RequestsPerSecond: 1000,
	})

	known := supporterEntity("sup_1", "ada@example.com")
	known.Supporter.ProviderMemberID = "mem_known"
	id, err := adapter.Create(context.Background(), known)
	if err != nil || id != "mem_known" {
		t.Fatalf("expected the provider member to be adopted, got %q err=%v", id, err)
	}

	stale := supporterEntity("sup_2", "grace@example.com")
	stale.Supporter.ProviderMemberID = "mem_gone"
	id, err = adapter.Create(context.Background(), stale)
	if err != nil || id != "mem_new" {
		t.Fatalf("expected a fresh member, got %q err=%v", id, err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"PATCH /members/mem_known", "PATCH /members/mem_gone", "POST /members"}
	if strings.Join(calls, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected calls: %v", calls)
	}
}

func TestAPIClientMissingCredentialsIsAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request must not be sent without a token")
	}))
	t.Cleanup(srv.Close)
	adapter := NewSubscriptionAdapter(SubscriptionOptions{
		BaseURL:     srv.URL,
		HTTPClient:  srv.Client(),
		Credentials: NewTargetClient(TargetSubscriptionProvider, NewStaticCredentialStore(nil), nil),
	})
	if err := adapter.HealthCheck(context.Background()); !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("expected ErrAuthExpired, got %v", err)
	}
}

type fakeCalendarClient struct {
	inserted  []*calendar.Event
	deleteErr error
}

func (c *fakeCalendarClient) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (string, error) {
	c.inserted = append(c.inserted, event)
	return "gcal-1", nil
}

func (c *fakeCalendarClient) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) error {
	return nil
}

func (c *fakeCalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return c.deleteErr
}

func (c *fakeCalendarClient) Ping(ctx context.Context, calendarID string) error {
	return nil
}

func TestCalendarAdapterBuildsEvent(t *testing.T) {
	client := &fakeCalendarClient{deleteErr: NewTargetError(KindNotFoundRemote, "http_410", "gone")}
	adapter := NewCalendarAdapter(TargetCalendarPublic, "public@group.calendar.google.com", client)
	event := publicEvent("evt_1", time.Date(2026, 7, 4, 18, 0, 0, 0, time.UTC))
	event.Event.EndsAt = time.Time{}
	event.Event.URL = "https://cave.example.org/events/evt_1"

	if _, err := adapter.Create(context.Background(), event); err != nil {
		t.Fatalf("create: %v", err)
	}
	got := client.inserted[0]
	if got.Start.DateTime != "2026-07-04T20:00:00+02:00" || got.Start.TimeZone != "Europe/Berlin" {
		t.Fatalf("unexpected start: %+v", got.Start)
	}
	if got.End.DateTime != "2026-07-04T21:00:00+02:00" {
		t.Fatalf("expected a one hour default, got %+v", got.End)
	}
	if !strings.HasSuffix(got.Description, event.Event.URL) || got.Source == nil {
		t.Fatalf("expected the event link attached, got %+v", got)
	}
	if err := adapter.Delete(context.Background(), "gcal-1"); err != nil {
		t.Fatalf("expected a missing remote event to count as deleted, got %v", err)
	}

	event.Event.Timezone = "Mars/Olympus"
	if _, err := adapter.Create(context.Background(), event); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected an unknown zone to be rejected, got %v", err)
	}
}

func TestGoogleCalendarClientClassifiesQuotaErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/events") {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"error":{"code":403,"message":"Rate Limit Exceeded","errors":[{"domain":"usageLimits","reason":"rateLimitExceeded","message":"Rate Limit Exceeded"}]}}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"Not Found"}}`)
	}))
	t.Cleanup(srv.Close)
	client, err := NewGoogleCalendarClient(context.Background(), GoogleCalendarOptions{
		Endpoint:          srv.URL + "/",
		HTTPClient:        srv.Client(),
		RequestsPerSecond: 1000,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.InsertEvent(context.Background(), "cal_1", &calendar.Event{Summary: "x"})
	if kind := classifyError(err); kind != KindRateLimited {
		t.Fatalf("expected rate limited, got %s (%v)", kind, err)
	}
	if err := client.DeleteEvent(context.Background(), "cal_1", "gcal-404"); !errors.Is(err, ErrNotFoundRemote) {
		t.Fatalf("expected not found remote, got %v", err)
	}
}
