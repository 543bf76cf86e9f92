package syncengine

import (
	"fmt"
	"strings"
	"time"
)

type SyncTarget string

const (
	TargetCalendarInternal     SyncTarget = "calendar_internal"
	TargetCalendarPublic       SyncTarget = "calendar_public"
	TargetSocialPage           SyncTarget = "social_page"
	TargetSocialGroup          SyncTarget = "social_group"
	TargetSubscriptionProvider SyncTarget = "subscription_provider"
)

var AllTargets = []SyncTarget{
	TargetCalendarInternal,
	TargetCalendarPublic,
	TargetSocialPage,
	TargetSocialGroup,
	TargetSubscriptionProvider,
}

func ParseSyncTarget(raw string) (SyncTarget, error) {
	target := SyncTarget(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllTargets {
		if target == known {
			return target, nil
		}
	}
	return "", invalidInputf("unknown sync target %q", raw)
}

type EntityKind string

const (
	EntityEvent     EntityKind = "event"
	EntitySupporter EntityKind = "supporter"
)

type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   string     `json:"id"`
}

func (r EntityRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

func (r EntityRef) Valid() bool {
	return (r.Kind == EntityEvent || r.Kind == EntitySupporter) && strings.TrimSpace(r.ID) != ""
}

// ParseEntityRef accepts the "kind:id" form produced by EntityRef.String.
func ParseEntityRef(raw string) (EntityRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return EntityRef{}, invalidInputf("entity reference %q must be kind:id", raw)
	}
	ref := EntityRef{Kind: EntityKind(strings.ToLower(kind)), ID: strings.TrimSpace(id)}
	if !ref.Valid() {
		return EntityRef{}, invalidInputf("entity reference %q is not valid", raw)
	}
	return ref, nil
}

type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
	StatusDeleted SyncStatus = "deleted"

	// StatusWithdrawn marks a pair whose target no longer applies to a live
	// entity, such as an event made private, after its remote copy was
	// removed. Unlike Deleted it is not terminal: the pair is synced again
	// once the target applies again.
	StatusWithdrawn SyncStatus = "withdrawn"
)

type SyncAction string

const (
	ActionUpsert SyncAction = "upsert"
	ActionDelete SyncAction = "delete"
)

// SyncState is the reconciliation record for one (entity, target) pair.
// Generation increases every time the pair is marked pending, so a worker
// finishing an older attempt can tell its result was superseded.
type SyncState struct {
	Entity         EntityRef  `json:"entity"`
	Target         SyncTarget `json:"target"`
	ExternalID     string     `json:"externalId,omitempty"`
	Status         SyncStatus `json:"status"`
	PendingAction  SyncAction `json:"pendingAction,omitempty"`
	Generation     int64      `json:"generation"`
	AttemptCount   int        `json:"attemptCount"`
	LastErrorCode  string     `json:"lastErrorCode,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	LastAttemptAt  *time.Time `json:"lastAttemptAt,omitempty"`
	LastSuccessAt  *time.Time `json:"lastSuccessAt,omitempty"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty"`
	ClaimedBy      string     `json:"claimedBy,omitempty"`
	ClaimExpiresAt *time.Time `json:"claimExpiresAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (s SyncState) Key() string {
	return pairKey(s.Entity, s.Target)
}

func pairKey(ref EntityRef, target SyncTarget) string {
	return ref.String() + "|" + string(target)
}

type LogAction string

const (
	LogCreate    LogAction = "create"
	LogUpdate    LogAction = "update"
	LogDelete    LogAction = "delete"
	LogWebhookIn LogAction = "webhook_in"
)

type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
	LogWarning LogStatus = "warning"
)

type IntegrationLogEntry struct {
	ID               string     `json:"id"`
	Entity           EntityRef  `json:"entity"`
	Target           SyncTarget `json:"target"`
	Action           LogAction  `json:"action"`
	Status           LogStatus  `json:"status"`
	RequestSnapshot  string     `json:"requestSnapshot,omitempty"`
	ResponseSnapshot string     `json:"responseSnapshot,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	Provider         string     `json:"provider,omitempty"`
	ProviderEventID  string     `json:"providerEventId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

type LogFilter struct {
	Entity *EntityRef
	Target SyncTarget
	Action LogAction
	Status LogStatus
	Limit  int
}

func (f LogFilter) Matches(entry IntegrationLogEntry) bool {
	if f.Entity != nil && entry.Entity != *f.Entity {
		return false
	}
	if f.Target != "" && entry.Target != f.Target {
		return false
	}
	if f.Action != "" && entry.Action != f.Action {
		return false
	}
	if f.Status != "" && entry.Status != f.Status {
		return false
	}
	return true
}

type NotificationKind string

const (
	NotifyEventReminder NotificationKind = "event_reminder"
	NotifyNewEvent      NotificationKind = "new_event"
	NotifyDigest        NotificationKind = "digest"
	NotifySystem        NotificationKind = "system"
)

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSending   NotificationStatus = "sending"
	NotificationSent      NotificationStatus = "sent"
	NotificationFailed    NotificationStatus = "failed"
	NotificationCancelled NotificationStatus = "cancelled"
)

func (s NotificationStatus) Terminal() bool {
	return s == NotificationSent || s == NotificationCancelled
}

type NotificationPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

type Notification struct {
	ID             string              `json:"id"`
	RecipientID    string              `json:"recipientId"`
	Kind           NotificationKind    `json:"kind"`
	Payload        NotificationPayload `json:"payload"`
	ScheduledFor   time.Time           `json:"scheduledFor"`
	Status         NotificationStatus  `json:"status"`
	AttemptCount   int                 `json:"attemptCount"`
	ErrorMessage   string              `json:"errorMessage,omitempty"`
	DedupKey       string              `json:"dedupKey,omitempty"`
	ClaimedBy      string              `json:"claimedBy,omitempty"`
	ClaimExpiresAt *time.Time          `json:"claimExpiresAt,omitempty"`
	SentAt         *time.Time          `json:"sentAt,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

type NotificationFilter struct {
	Status NotificationStatus
	Limit  int
}

type WebhookReceipt struct {
	Provider        string    `json:"provider"`
	ProviderEventID string    `json:"providerEventId"`
	EventType       string    `json:"eventType"`
	ReceivedAt      time.Time `json:"receivedAt"`
}

func receiptKey(provider, eventID string) string {
	return provider + "|" + eventID
}

type Visibility string

const (
	VisibilityInternal Visibility = "internal"
	VisibilityPublic   Visibility = "public"
)

type EventDetails struct {
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	StartsAt         time.Time  `json:"startsAt"`
	EndsAt           time.Time  `json:"endsAt"`
	Timezone         string     `json:"timezone"`
	LocationLabel    string     `json:"locationLabel"`
	URL              string     `json:"url"`
	Visibility       Visibility `json:"visibility"`
	Published        bool       `json:"published"`
	AnnounceOnSocial bool       `json:"announceOnSocial"`
}

type SupporterDetails struct {
	Email            string `json:"email"`
	DisplayName      string `json:"displayName"`
	Tier             string `json:"tier"`
	Active           bool   `json:"active"`
	ProviderMemberID string `json:"providerMemberId"`
	NotifyOptIn      bool   `json:"notifyOptIn"`
	// LastChange marks the provider event that last wrote this row.
	LastChange SupporterChangeMark `json:"lastChange"`
}

// SupporterChangeMark remembers what a provider event changed, so a
// redelivery of that event reports the same change instead of a no-op.
type SupporterChangeMark struct {
	EventID     string `json:"eventId,omitempty"`
	Created     bool   `json:"created,omitempty"`
	PriorTier   string `json:"priorTier,omitempty"`
	PriorActive bool   `json:"priorActive,omitempty"`
}

// Entity is the canonical record read from the entity store. Exactly one of
// Event or Supporter is set, matching Ref.Kind.
type Entity struct {
	Ref       EntityRef         `json:"ref"`
	Deleted   bool              `json:"deleted"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Event     *EventDetails     `json:"event,omitempty"`
	Supporter *SupporterDetails `json:"supporter,omitempty"`
}

// Targets returns the sync targets the entity should currently be mirrored to.
func (e Entity) Targets() []SyncTarget {
	if e.Deleted {
		return nil
	}
	switch e.Ref.Kind {
	case EntityEvent:
		if e.Event == nil || !e.Event.Published {
			return nil
		}
		targets := []SyncTarget{TargetCalendarInternal}
		if e.Event.Visibility == VisibilityPublic {
			targets = append(targets, TargetCalendarPublic)
			if e.Event.AnnounceOnSocial {
				targets = append(targets, TargetSocialPage)
			}
		}
		if e.Event.AnnounceOnSocial {
			targets = append(targets, TargetSocialGroup)
		}
		return targets
	case EntitySupporter:
		if e.Supporter == nil {
			return nil
		}
		return []SyncTarget{TargetSubscriptionProvider}
	}
	return nil
}

func (e Entity) appliesTo(target SyncTarget) bool {
	for _, candidate := range e.Targets() {
		if candidate == target {
			return true
		}
	}
	return false
}

func (e Entity) validate() error {
	if !e.Ref.Valid() {
		return invalidInputf("entity reference %q is not valid", e.Ref.String())
	}
	switch e.Ref.Kind {
	case EntityEvent:
		if e.Event == nil && !e.Deleted {
			return invalidInputf("event %s has no details", e.Ref.ID)
		}
	case EntitySupporter:
		if e.Supporter == nil && !e.Deleted {
			return invalidInputf("supporter %s has no details", e.Ref.ID)
		}
	default:
		return fmt.Errorf("%w: unknown entity kind %s", ErrInvalidInput, e.Ref.Kind)
	}
	return nil
}

type Recipient struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

func timePtr(t time.Time) *time.Time {
	return &t
}
