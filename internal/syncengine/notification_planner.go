package syncengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultReminderLead = 24 * time.Hour
	defaultDigestWindow = 7 * 24 * time.Hour
)

type NotificationPlannerOptions struct {
	Store        Store
	Entities     EntityStore
	Logger       logrus.FieldLogger
	ClubName     string
	BaseURL      string
	ReminderLead time.Duration
	DigestWindow time.Duration
	Now          func() time.Time
}

// NotificationPlanner turns domain changes into queued notifications. The
// payload is rendered when the row is enqueued so later template or entity
// changes never alter a message already scheduled.
type NotificationPlanner struct {
	store        Store
	entities     EntityStore
	logger       logrus.FieldLogger
	clubName     string
	baseURL      string
	reminderLead time.Duration
	digestWindow time.Duration
	now          func() time.Time
	templates    map[NotificationKind]notificationTemplate
}

type notificationTemplate struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

type templateSource struct {
	subject string
	text    string
	html    string
}

var notificationTemplateSources = map[NotificationKind]templateSource{
	NotifyNewEvent: {
		subject: `New event: {{.Event.Title}}`,
		text: `Hi {{.Recipient.Name}},

{{.Club}} just published a new event.

{{.Event.Title}}
{{.When}}{{if .Event.LocationLabel}}
{{.Event.LocationLabel}}{{end}}
{{if .Event.Description}}
{{.Event.Description}}
{{end}}{{if .Link}}
{{.Link}}{{end}}
`,
		html: `<p>Hi {{.Recipient.Name}},</p>
<p>{{.Club}} just published a new event.</p>
<h2>{{.Event.Title}}</h2>
<p>{{.When}}{{if .Event.LocationLabel}}<br>{{.Event.LocationLabel}}{{end}}</p>
{{if .Event.Description}}<p>{{.Event.Description}}</p>{{end}}
{{if .Link}}<p><a href="{{.Link}}">Event details</a></p>{{end}}`,
	},
	NotifyEventReminder: {
		subject: `Reminder: {{.Event.Title}} starts {{.When}}`,
		text: `Hi {{.Recipient.Name}},

A reminder that {{.Event.Title}} starts {{.When}}.{{if .Event.LocationLabel}}
Where: {{.Event.LocationLabel}}{{end}}{{if .Link}}
{{.Link}}{{end}}
`,
		html: `<p>Hi {{.Recipient.Name}},</p>
<p>A reminder that <strong>{{.Event.Title}}</strong> starts {{.When}}.</p>
{{if .Event.LocationLabel}}<p>Where: {{.Event.LocationLabel}}</p>{{end}}
{{if .Link}}<p><a href="{{.Link}}">Event details</a></p>{{end}}`,
	},
	NotifyDigest: {
		subject: `{{.Club}}: {{len .Events}} upcoming event{{if ne (len .Events) 1}}s{{end}}`,
		text: `Hi {{.Recipient.Name}},

Coming up at {{.Club}}:
{{range .Events}}
- {{.Title}}, {{.When}}{{if .Location}} ({{.Location}}){{end}}{{if .Link}}
  {{.Link}}{{end}}{{end}}
`,
		html: `<p>Hi {{.Recipient.Name}},</p>
<p>Coming up at {{.Club}}:</p>
<ul>{{range .Events}}
<li>{{if .Link}}<a href="{{.Link}}">{{.Title}}</a>{{else}}{{.Title}}{{end}}, {{.When}}{{if .Location}} ({{.Location}}){{end}}</li>{{end}}
</ul>`,
	},
	NotifySystem: {
		subject: `{{.Subject}}`,
		text: `Hi {{.Recipient.Name}},

{{.Message}}
`,
		html: `<p>Hi {{.Recipient.Name}},</p>
<p>{{.Message}}</p>`,
	},
}

func NewNotificationPlanner(opts NotificationPlannerOptions) (*NotificationPlanner, error) {
	if opts.Store == nil || opts.Entities == nil {
		return nil, fmt.Errorf("%w: planner needs a store and an entity store", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	clubName := strings.TrimSpace(opts.ClubName)
	if clubName == "" {
		clubName = "The club"
	}
	reminderLead := opts.ReminderLead
	if reminderLead <= 0 {
		reminderLead = defaultReminderLead
	}
	digestWindow := opts.DigestWindow
	if digestWindow <= 0 {
		digestWindow = defaultDigestWindow
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	templates := make(map[NotificationKind]notificationTemplate, len(notificationTemplateSources))
	for kind, source := range notificationTemplateSources {
		name := string(kind)
		subject, err := texttemplate.New(name + ".subject").Parse(source.subject)
		if err != nil {
			return nil, err
		}
		text, err := texttemplate.New(name + ".text").Parse(source.text)
		if err != nil {
			return nil, err
		}
		html, err := htmltemplate.New(name + ".html").Parse(source.html)
		if err != nil {
			return nil, err
		}
		templates[kind] = notificationTemplate{subject: subject, text: text, html: html}
	}
	return &NotificationPlanner{
		store:        opts.Store,
		entities:     opts.Entities,
		logger:       logger.WithField("component", "planner"),
		clubName:     clubName,
		baseURL:      strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		reminderLead: reminderLead,
		digestWindow: digestWindow,
		now:          now,
		templates:    templates,
	}, nil
}

// Subscribe plans notifications for every event change published by the
// entity store.
func (p *NotificationPlanner) Subscribe() (unsubscribe func()) {
	return p.entities.Subscribe(func(ctx context.Context, ref EntityRef) {
		if ref.Kind != EntityEvent {
			return
		}
		if _, err := p.PlanEvent(ctx, ref); err != nil {
			p.logger.WithError(err).WithField("entity", ref.String()).Error("failed to plan event notifications")
		}
	})
}

func (p *NotificationPlanner) render(kind NotificationKind, to Recipient, data map[string]any) (NotificationPayload, error) {
	tmpl, ok := p.templates[kind]
	if !ok {
		return NotificationPayload{}, invalidInputf("no template for %s", kind)
	}
	if strings.TrimSpace(to.Name) == "" {
		to.Name = "there"
	}
	data["Recipient"] = to
	data["Club"] = p.clubName
	var subject, text, html bytes.Buffer
	if err := tmpl.subject.Execute(&subject, data); err != nil {
		return NotificationPayload{}, err
	}
	if err := tmpl.text.Execute(&text, data); err != nil {
		return NotificationPayload{}, err
	}
	if err := tmpl.html.Execute(&html, data); err != nil {
		return NotificationPayload{}, err
	}
	return NotificationPayload{
		To:      to.Email,
		Subject: strings.TrimSpace(subject.String()),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

func (p *NotificationPlanner) eventLink(entity Entity) string {
	if entity.Event != nil && strings.TrimSpace(entity.Event.URL) != "" {
		return strings.TrimSpace(entity.Event.URL)
	}
	if p.baseURL == "" {
		return ""
	}
	return p.baseURL + "/events/" + entity.Ref.ID
}

func eventWhen(details *EventDetails) string {
	loc := time.UTC
	if tz := strings.TrimSpace(details.Timezone); tz != "" {
		if loaded, err := time.LoadLocation(tz); err == nil {
			loc = loaded
		}
	}
	return details.StartsAt.In(loc).Format("Mon 2 Jan 2006 15:04 MST")
}

func newEventKeyPrefix(eventID string) string {
	return "new_event:" + eventID + ":"
}

func reminderKeyPrefix(eventID string) string {
	return "event_reminder:" + eventID + ":"
}

// PlanEvent enqueues the announcement and the reminder for a published,
// upcoming event. Reminder keys carry the entity version, so a change to the
// event cancels reminders of older versions and queues fresh ones. Withdrawn
// events cancel whatever is still pending. It returns the number of newly
// queued notifications.
func (p *NotificationPlanner) PlanEvent(ctx context.Context, ref EntityRef) (int, error) {
	entity, err := p.entities.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		entity = Entity{Ref: ref, Deleted: true}
	} else if err != nil {
		return 0, err
	}
	now := p.now()
	reminderVersion := strconv.FormatInt(entity.UpdatedAt.UnixNano(), 10)
	details := entity.Event
	withdrawn := entity.Deleted || details == nil || !details.Published || !details.StartsAt.After(now)
	keep := reminderKeyPrefix(ref.ID) + reminderVersion + ":"
	if withdrawn {
		keep = ""
	}
	if _, err := p.store.CancelPendingNotifications(ctx, reminderKeyPrefix(ref.ID), keep, now); err != nil {
		return 0, err
	}
	if withdrawn {
		if _, err := p.store.CancelPendingNotifications(ctx, newEventKeyPrefix(ref.ID), "", now); err != nil {
			return 0, err
		}
		return 0, nil
	}

	recipients, err := p.entities.ListSubscribers(ctx)
	if err != nil {
		return 0, err
	}
	data := func() map[string]any {
		return map[string]any{"Event": details, "When": eventWhen(details), "Link": p.eventLink(entity)}
	}
	remindAt := details.StartsAt.Add(-p.reminderLead)
	queued := 0
	for _, recipient := range recipients {
		payload, err := p.render(NotifyNewEvent, recipient, data())
		if err != nil {
			return queued, err
		}
		_, created, err := p.store.EnqueueNotification(ctx, Notification{
			RecipientID:  recipient.ID,
			Kind:         NotifyNewEvent,
			Payload:      payload,
			ScheduledFor: now,
			DedupKey:     newEventKeyPrefix(ref.ID) + recipient.ID,
		})
		if err != nil {
			return queued, err
		}
		if created {
			queued++
		}
		if !remindAt.After(now) {
			continue
		}
		payload, err = p.render(NotifyEventReminder, recipient, data())
		if err != nil {
			return queued, err
		}
		_, created, err = p.store.EnqueueNotification(ctx, Notification{
			RecipientID:  recipient.ID,
			Kind:         NotifyEventReminder,
			Payload:      payload,
			ScheduledFor: remindAt,
			DedupKey:     keep + recipient.ID,
		})
		if err != nil {
			return queued, err
		}
		if created {
			queued++
		}
	}
	if queued > 0 {
		p.logger.WithFields(logrus.Fields{"entity": ref.String(), "queued": queued}).Info("planned event notifications")
	}
	return queued, nil
}

type digestItem struct {
	Title    string
	When     string
	Location string
	Link     string
}

// PlanDigest queues one digest per subscriber listing the events of the
// coming window. The ISO week is part of the dedup key so a repeated run in
// the same week is a no-op.
func (p *NotificationPlanner) PlanDigest(ctx context.Context) (int, error) {
	now := p.now()
	events, err := p.entities.ListUpcomingEvents(ctx, now, now.Add(p.digestWindow))
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	items := make([]digestItem, 0, len(events))
	for _, event := range events {
		items = append(items, digestItem{
			Title:    event.Event.Title,
			When:     eventWhen(event.Event),
			Location: event.Event.LocationLabel,
			Link:     p.eventLink(event),
		})
	}
	recipients, err := p.entities.ListSubscribers(ctx)
	if err != nil {
		return 0, err
	}
	year, week := now.ISOWeek()
	period := fmt.Sprintf("%04d-W%02d", year, week)
	queued := 0
	for _, recipient := range recipients {
		payload, err := p.render(NotifyDigest, recipient, map[string]any{"Events": items})
		if err != nil {
			return queued, err
		}
		_, created, err := p.store.EnqueueNotification(ctx, Notification{
			RecipientID:  recipient.ID,
			Kind:         NotifyDigest,
			Payload:      payload,
			ScheduledFor: now,
			DedupKey:     "digest:" + period + ":" + recipient.ID,
		})
		if err != nil {
			return queued, err
		}
		if created {
			queued++
		}
	}
	p.logger.WithFields(logrus.Fields{"period": period, "queued": queued}).Info("planned digest")
	return queued, nil
}

// SupporterNotice builds the system message for a supporter change coming
// from the subscription provider. It reports false when the change is not
// worth a message or the supporter has no address.
func (p *NotificationPlanner) SupporterNotice(result SupporterChangeResult, dedupKey string) (Notification, bool, error) {
	current := result.Current.Supporter
	if current == nil || strings.TrimSpace(current.Email) == "" || result.Current.Deleted {
		return Notification{}, false, nil
	}
	var subject, message string
	switch {
	case result.Created && current.Active:
		subject = "Welcome to " + p.clubName
		message = "Thank you for supporting us"
		if current.Tier != "" {
			message += " at the " + current.Tier + " tier"
		}
		message += "."
	case result.TierChanged() && !current.Active:
		subject = "Your support has ended"
		message = "Your membership is no longer active. Thank you for your support so far."
	case result.TierChanged():
		subject = "Your membership was updated"
		message = "Your membership tier is now " + firstNonEmpty(current.Tier, "the base tier") + "."
	default:
		return Notification{}, false, nil
	}
	recipient := Recipient{ID: result.Ref.ID, Email: current.Email, Name: current.DisplayName}
	payload, err := p.render(NotifySystem, recipient, map[string]any{"Subject": subject, "Message": message})
	if err != nil {
		return Notification{}, false, err
	}
	return Notification{
		RecipientID:  recipient.ID,
		Kind:         NotifySystem,
		Payload:      payload,
		ScheduledFor: p.now(),
		DedupKey:     dedupKey,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
