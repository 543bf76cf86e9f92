package syncengine

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type WebhookStatus string

const (
	WebhookAccepted     WebhookStatus = "accepted"
	WebhookDuplicate    WebhookStatus = "duplicate"
	WebhookIgnored      WebhookStatus = "ignored"
	WebhookUnauthorized WebhookStatus = "unauthorized"
	WebhookRejected     WebhookStatus = "rejected"
)

// WebhookEventKind is the closed set of provider events the ingestor
// dispatches. Anything else is acknowledged and ignored.
type WebhookEventKind string

const (
	MemberCreated WebhookEventKind = "member_created"
	MemberUpdated WebhookEventKind = "member_updated"
	MemberDeleted WebhookEventKind = "member_deleted"
	PledgeCreated WebhookEventKind = "pledge_created"
	PledgeUpdated WebhookEventKind = "pledge_updated"
	PledgeDeleted WebhookEventKind = "pledge_deleted"
)

var webhookEventNames = map[string]WebhookEventKind{
	"member_created":        MemberCreated,
	"member_updated":        MemberUpdated,
	"member_deleted":        MemberDeleted,
	"pledge_created":        PledgeCreated,
	"pledge_updated":        PledgeUpdated,
	"pledge_deleted":        PledgeDeleted,
	"members:create":        MemberCreated,
	"members:update":        MemberUpdated,
	"members:delete":        MemberDeleted,
	"members:pledge:create": PledgeCreated,
	"members:pledge:update": PledgeUpdated,
	"members:pledge:delete": PledgeDeleted,
}

func ParseWebhookEventKind(raw string) (WebhookEventKind, bool) {
	kind, ok := webhookEventNames[strings.ToLower(strings.TrimSpace(raw))]
	return kind, ok
}

type SignatureAlgorithm string

const (
	SignatureMD5    SignatureAlgorithm = "md5"
	SignatureSHA256 SignatureAlgorithm = "sha256"
)

// WebhookProvider describes one signed webhook source.
type WebhookProvider struct {
	Name            string
	Secret          string
	Algorithm       SignatureAlgorithm
	SignatureHeader string
	EventHeader     string
	EventIDHeader   string
}

func (p WebhookProvider) withDefaults() WebhookProvider {
	if p.Algorithm == "" {
		p.Algorithm = SignatureMD5
	}
	if p.SignatureHeader == "" {
		p.SignatureHeader = "X-Patreon-Signature"
	}
	if p.EventHeader == "" {
		p.EventHeader = "X-Patreon-Event"
	}
	if p.EventIDHeader == "" {
		p.EventIDHeader = "X-Webhook-Id"
	}
	return p
}

// Sign returns the hex signature of body, as the provider would send it.
func (p WebhookProvider) Sign(body []byte) string {
	var newHash func() hash.Hash
	switch p.withDefaults().Algorithm {
	case SignatureSHA256:
		newHash = sha256.New
	default:
		newHash = md5.New
	}
	mac := hmac.New(newHash, []byte(p.Secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p WebhookProvider) verify(header http.Header, body []byte) bool {
	got, err := hex.DecodeString(strings.TrimSpace(header.Get(p.SignatureHeader)))
	if err != nil || len(got) == 0 || p.Secret == "" {
		return false
	}
	want, _ := hex.DecodeString(p.Sign(body))
	return hmac.Equal(got, want)
}

type WebhookIngestorOptions struct {
	Store     Store
	Entities  EntityStore
	Log       *IntegrationLog
	Planner   *NotificationPlanner
	Logger    logrus.FieldLogger
	Metrics   *Metrics
	Providers []WebhookProvider
	Now       func() time.Time
}

// WebhookIngestor verifies, de-duplicates and applies provider webhooks.
// Only the lightweight supporter write happens inline; the orchestrator
// picks the change up from the entity store's change feed.
type WebhookIngestor struct {
	store     Store
	entities  EntityStore
	log       *IntegrationLog
	planner   *NotificationPlanner
	logger    logrus.FieldLogger
	metrics   *Metrics
	providers map[string]WebhookProvider
	now       func() time.Time
}

func NewWebhookIngestor(opts WebhookIngestorOptions) (*WebhookIngestor, error) {
	if opts.Store == nil || opts.Entities == nil {
		return nil, fmt.Errorf("%w: webhook ingestor needs a store and an entity store", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	integrationLog := opts.Log
	if integrationLog == nil {
		integrationLog = NewIntegrationLog(opts.Store, logger)
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	providers := make(map[string]WebhookProvider, len(opts.Providers))
	for _, provider := range opts.Providers {
		name := strings.ToLower(strings.TrimSpace(provider.Name))
		if name == "" {
			return nil, invalidInputf("webhook provider needs a name")
		}
		switch provider.Algorithm {
		case "", SignatureMD5, SignatureSHA256:
		default:
			return nil, invalidInputf("unsupported signature algorithm %q", provider.Algorithm)
		}
		provider.Name = name
		providers[name] = provider.withDefaults()
	}
	return &WebhookIngestor{
		store:     opts.Store,
		entities:  opts.Entities,
		log:       integrationLog,
		planner:   opts.Planner,
		logger:    logger.WithField("component", "webhooks"),
		metrics:   opts.Metrics,
		providers: providers,
		now:       now,
	}, nil
}

type WebhookRequest struct {
	Provider string
	Header   http.Header
	Body     []byte
}

type WebhookResult struct {
	Status  WebhookStatus    `json:"status"`
	EventID string           `json:"eventId,omitempty"`
	Event   WebhookEventKind `json:"event,omitempty"`
	Entity  *EntityRef       `json:"entity,omitempty"`
}

type memberWebhookPayload struct {
	ID   json.RawMessage `json:"id"`
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Email        *string `json:"email"`
			FullName     *string `json:"full_name"`
			PatronStatus *string `json:"patron_status"`
			Active       *bool   `json:"active"`
			Tier         *string `json:"tier"`
		} `json:"attributes"`
		Relationships struct {
			Tiers struct {
				Data []struct {
					ID   string `json:"id"`
					Type string `json:"type"`
				} `json:"data"`
			} `json:"currently_entitled_tiers"`
		} `json:"relationships"`
	} `json:"data"`
	Included []struct {
		ID         string         `json:"id"`
		Type       string         `json:"type"`
		Attributes map[string]any `json:"attributes"`
	} `json:"included"`
}

// Ingest runs the webhook pipeline: signature, event id, receipt and
// dispatch. A replayed event returns WebhookDuplicate without side effects.
func (w *WebhookIngestor) Ingest(ctx context.Context, req WebhookRequest) (WebhookResult, error) {
	provider, ok := w.providers[strings.ToLower(strings.TrimSpace(req.Provider))]
	if !ok {
		return WebhookResult{}, fmt.Errorf("%w: webhook provider %q", ErrNotFound, req.Provider)
	}
	header := req.Header
	if header == nil {
		header = http.Header{}
	}
	eventType := strings.TrimSpace(header.Get(provider.EventHeader))
	fields := logrus.Fields{"provider": provider.Name, "event_type": eventType}

	if !provider.verify(header, req.Body) {
		w.logger.WithFields(fields).Warn("rejected webhook with invalid signature")
		_, _ = w.log.Record(ctx, IntegrationLogEntry{
			Target:       TargetSubscriptionProvider,
			Action:       LogWebhookIn,
			Status:       LogWarning,
			Provider:     provider.Name,
			ErrorMessage: "invalid signature for event " + eventType,
		})
		w.metrics.observeWebhook(provider.Name, WebhookUnauthorized)
		return WebhookResult{Status: WebhookUnauthorized}, ErrSignatureInvalid
	}

	var payload memberWebhookPayload
	payloadErr := json.Unmarshal(req.Body, &payload)
	eventID := webhookEventID(header.Get(provider.EventIDHeader), payload.ID, eventType, req.Body)
	fields["event_id"] = eventID
	kind, known := ParseWebhookEventKind(eventType)
	result := WebhookResult{EventID: eventID, Event: kind}

	if known {
		if err := validateMemberPayload(req.Body); err != nil || payloadErr != nil {
			if err == nil {
				err = fmt.Errorf("%w: %v", ErrPayloadInvalid, payloadErr)
			}
			return w.reject(ctx, provider, result, req.Body, fields, err)
		}
	}

	receipt := WebhookReceipt{
		Provider:        provider.Name,
		ProviderEventID: eventID,
		EventType:       eventType,
		ReceivedAt:      w.now(),
	}
	var recorded *recordingTx
	duplicate, err := w.store.RecordWebhook(ctx, receipt, func(tx TxStore) error {
		recorded = &recordingTx{TxStore: tx}
		if !known {
			result.Status = WebhookIgnored
			_, err := recorded.AppendLog(ctx, IntegrationLogEntry{
				Target:          TargetSubscriptionProvider,
				Action:          LogWebhookIn,
				Status:          LogWarning,
				Provider:        provider.Name,
				ProviderEventID: eventID,
				ErrorMessage:    "no handler for event type " + eventType,
			})
			return err
		}
		ref, err := w.dispatch(ctx, recorded, provider, kind, eventID, payload, req.Body)
		if err != nil {
			return err
		}
		result.Status = WebhookAccepted
		result.Entity = ref
		return nil
	})
	if errors.Is(err, ErrPayloadInvalid) {
		return w.reject(ctx, provider, result, req.Body, fields, err)
	}
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Error("failed to apply webhook")
		return WebhookResult{}, err
	}
	if duplicate {
		w.logger.WithFields(fields).Debug("absorbed duplicate webhook")
		w.metrics.observeWebhook(provider.Name, WebhookDuplicate)
		return WebhookResult{Status: WebhookDuplicate, EventID: eventID, Event: kind}, nil
	}
	if recorded != nil {
		w.log.Publish(recorded.entries...)
	}
	w.logger.WithFields(fields).WithField("status", result.Status).Info("ingested webhook")
	w.metrics.observeWebhook(provider.Name, result.Status)
	return result, nil
}

// reject logs a payload the provider must not redeliver. The receipt is not
// kept, so a corrected redelivery under the same event id is still applied.
func (w *WebhookIngestor) reject(ctx context.Context, provider WebhookProvider, result WebhookResult, body []byte, fields logrus.Fields, err error) (WebhookResult, error) {
	w.logger.WithFields(fields).WithError(err).Warn("rejected malformed webhook payload")
	_, _ = w.log.Record(ctx, IntegrationLogEntry{
		Target:          TargetSubscriptionProvider,
		Action:          LogWebhookIn,
		Status:          LogError,
		Provider:        provider.Name,
		ProviderEventID: result.EventID,
		RequestSnapshot: truncateMessage(string(body), 8192),
		ErrorMessage:    errorMessage(err),
	})
	w.metrics.observeWebhook(provider.Name, WebhookRejected)
	result.Status = WebhookRejected
	result.Entity = nil
	return result, err
}

func (w *WebhookIngestor) dispatch(ctx context.Context, tx *recordingTx, provider WebhookProvider, kind WebhookEventKind, eventID string, payload memberWebhookPayload, body []byte) (*EntityRef, error) {
	change := supporterChangeFromPayload(kind, payload)
	change.EventID = provider.Name + ":" + eventID
	entry := IntegrationLogEntry{
		Target:          TargetSubscriptionProvider,
		Action:          LogWebhookIn,
		Status:          LogSuccess,
		Provider:        provider.Name,
		ProviderEventID: eventID,
		RequestSnapshot: truncateMessage(string(body), 8192),
	}
	applied, err := w.entities.ApplySupporterChange(ctx, change)
	if errors.Is(err, ErrNotFound) && change.Deleted {
		entry.Status = LogWarning
		entry.ErrorMessage = "deleted member " + change.ProviderMemberID + " is not known locally"
		_, err := tx.AppendLog(ctx, entry)
		return nil, err
	}
	if errors.Is(err, ErrInvalidInput) {
		return nil, fmt.Errorf("%w: %v", ErrPayloadInvalid, err)
	}
	if err != nil {
		return nil, fmt.Errorf("apply %s for member %s: %w", kind, change.ProviderMemberID, err)
	}
	entry.Entity = applied.Ref
	entry.ResponseSnapshot = snapshotJSON(map[string]any{"entity": applied.Ref.String(), "created": applied.Created})
	if _, err := tx.AppendLog(ctx, entry); err != nil {
		return nil, err
	}
	if w.planner != nil {
		notice, ok, err := w.planner.SupporterNotice(applied, "system:"+provider.Name+":"+eventID)
		if err != nil {
			return nil, err
		}
		if ok {
			if _, _, err := tx.EnqueueNotification(ctx, notice); err != nil {
				return nil, err
			}
		}
	}
	ref := applied.Ref
	return &ref, nil
}

func supporterChangeFromPayload(kind WebhookEventKind, payload memberWebhookPayload) SupporterChange {
	attrs := payload.Data.Attributes
	change := SupporterChange{ProviderMemberID: payload.Data.ID}
	if attrs.Email != nil {
		change.Email = *attrs.Email
	}
	if attrs.FullName != nil {
		change.DisplayName = *attrs.FullName
	}
	switch {
	case attrs.Active != nil:
		change.Active = *attrs.Active
	case attrs.PatronStatus != nil:
		change.Active = *attrs.PatronStatus == "active_patron"
	default:
		change.Active = kind != PledgeDeleted
	}
	change.Tier = payloadTier(payload)
	switch kind {
	case MemberDeleted:
		change.Deleted = true
		change.Active = false
	case PledgeDeleted:
		change.Active = false
		change.Tier = ""
	}
	return change
}

// payloadTier prefers an explicit tier attribute, then the title of the
// first entitled tier found in the included resources.
func payloadTier(payload memberWebhookPayload) string {
	if tier := payload.Data.Attributes.Tier; tier != nil {
		return strings.TrimSpace(*tier)
	}
	tiers := payload.Data.Relationships.Tiers.Data
	if len(tiers) == 0 {
		return ""
	}
	for _, included := range payload.Included {
		if included.Type != "tier" || included.ID != tiers[0].ID {
			continue
		}
		if title, ok := included.Attributes["title"].(string); ok && strings.TrimSpace(title) != "" {
			return strings.TrimSpace(title)
		}
	}
	return tiers[0].ID
}

// webhookEventID picks the provider event id: explicit header, then the
// payload id, then a digest of event type and body.
func webhookEventID(header string, payloadID json.RawMessage, eventType string, body []byte) string {
	if id := strings.TrimSpace(header); id != "" {
		return id
	}
	if id := strings.Trim(strings.TrimSpace(string(payloadID)), `"`); id != "" && id != "null" {
		return id
	}
	sum := sha256.Sum256(append([]byte(eventType+"\n"), body...))
	return "sha256:" + hex.EncodeToString(sum[:])
}
