package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// CalendarClient is the slice of a calendar API the adapter needs.
type CalendarClient interface {
	InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (string, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	Ping(ctx context.Context, calendarID string) error
}

// CalendarAdapter mirrors events into one calendar. The internal and the
// public calendar are two instances with different targets and ids.
type CalendarAdapter struct {
	target     SyncTarget
	calendarID string
	client     CalendarClient
}

func NewCalendarAdapter(target SyncTarget, calendarID string, client CalendarClient) *CalendarAdapter {
	return &CalendarAdapter{target: target, calendarID: strings.TrimSpace(calendarID), client: client}
}

func (a *CalendarAdapter) Target() SyncTarget {
	return a.target
}

func (a *CalendarAdapter) Create(ctx context.Context, entity Entity) (string, error) {
	event, err := calendarEventFromEntity(entity)
	if err != nil {
		return "", err
	}
	id, err := a.client.InsertEvent(ctx, a.calendarID, event)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(id) == "" {
		return "", NewTargetError(KindTransient, "empty_id", "calendar returned no event id")
	}
	return id, nil
}

func (a *CalendarAdapter) Update(ctx context.Context, externalID string, entity Entity) error {
	event, err := calendarEventFromEntity(entity)
	if err != nil {
		return err
	}
	return a.client.UpdateEvent(ctx, a.calendarID, externalID, event)
}

func (a *CalendarAdapter) Delete(ctx context.Context, externalID string) error {
	err := a.client.DeleteEvent(ctx, a.calendarID, externalID)
	if errors.Is(err, ErrNotFoundRemote) {
		return nil
	}
	return err
}

func (a *CalendarAdapter) HealthCheck(ctx context.Context) error {
	return a.client.Ping(ctx, a.calendarID)
}

func calendarEventFromEntity(entity Entity) (*calendar.Event, error) {
	details := entity.Event
	if entity.Ref.Kind != EntityEvent || details == nil {
		return nil, NewTargetError(KindRejected, "unsupported_entity", "calendar targets only accept events")
	}
	if details.StartsAt.IsZero() {
		return nil, NewTargetError(KindRejected, "missing_start", "event has no start time")
	}
	tz := strings.TrimSpace(details.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, NewTargetError(KindRejected, "bad_timezone", fmt.Sprintf("unknown timezone %q", tz))
	}
	end := details.EndsAt
	if end.IsZero() || !end.After(details.StartsAt) {
		end = details.StartsAt.Add(time.Hour)
	}
	description := strings.TrimSpace(details.Description)
	if link := strings.TrimSpace(details.URL); link != "" {
		if description != "" {
			description += "\n\n"
		}
		description += link
	}
	return &calendar.Event{
		Summary:     details.Title,
		Description: description,
		Location:    details.LocationLabel,
		Start:       &calendar.EventDateTime{DateTime: details.StartsAt.In(loc).Format(time.RFC3339), TimeZone: tz},
		End:         &calendar.EventDateTime{DateTime: end.In(loc).Format(time.RFC3339), TimeZone: tz},
		Source:      calendarSource(details.URL, details.Title),
	}, nil
}

func calendarSource(link, title string) *calendar.EventSource {
	if strings.TrimSpace(link) == "" {
		return nil
	}
	return &calendar.EventSource{Url: link, Title: title}
}

type GoogleCalendarOptions struct {
	// CredentialsFile is a service account JSON key. Empty falls back to
	// application default credentials.
	CredentialsFile   string
	Endpoint          string
	HTTPClient        *http.Client
	RequestsPerSecond float64
}

// GoogleCalendarClient talks to Google Calendar API v3.
type GoogleCalendarClient struct {
	service *calendar.Service
	limiter *rate.Limiter
}

func NewGoogleCalendarClient(ctx context.Context, opts GoogleCalendarOptions) (*GoogleCalendarClient, error) {
	clientOpts := make([]option.ClientOption, 0, 3)
	switch {
	case opts.HTTPClient != nil:
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	case strings.TrimSpace(opts.CredentialsFile) != "":
		data, err := os.ReadFile(opts.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read google credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, calendar.CalendarScope)
		if err != nil {
			return nil, fmt.Errorf("failed to parse google credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentials(creds))
	default:
		creds, err := google.FindDefaultCredentials(ctx, calendar.CalendarScope)
		if err != nil {
			return nil, fmt.Errorf("failed to load default google credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentials(creds))
	}
	if endpoint := strings.TrimSpace(opts.Endpoint); endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(endpoint))
	}
	service, err := calendar.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &GoogleCalendarClient{service: service, limiter: rate.NewLimiter(rate.Limit(rps), 1)}, nil
}

func (c *GoogleCalendarClient) InsertEvent(ctx context.Context, calendarID string, event *calendar.Event) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", wrapTransportError(err)
	}
	created, err := c.service.Events.Insert(calendarID, event).Context(ctx).Do()
	if err != nil {
		return "", classifyGoogleError(err)
	}
	return created.Id, nil
}

func (c *GoogleCalendarClient) UpdateEvent(ctx context.Context, calendarID, eventID string, event *calendar.Event) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return wrapTransportError(err)
	}
	_, err := c.service.Events.Update(calendarID, eventID, event).Context(ctx).Do()
	return classifyGoogleError(err)
}

func (c *GoogleCalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return wrapTransportError(err)
	}
	return classifyGoogleError(c.service.Events.Delete(calendarID, eventID).Context(ctx).Do())
}

func (c *GoogleCalendarClient) Ping(ctx context.Context, calendarID string) error {
	_, err := c.service.Calendars.Get(calendarID).Context(ctx).Do()
	return classifyGoogleError(err)
}

func classifyGoogleError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		classified := classifyHTTPStatus(apiErr.Code, apiErr.Header, apiErr.Message)
		// calendar reports quota exhaustion as 403 rateLimitExceeded
		if apiErr.Code == http.StatusForbidden {
			for _, item := range apiErr.Errors {
				if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
					classified.Kind = KindRateLimited
				}
			}
		}
		classified.Err = err
		return classified
	}
	return wrapTransportError(err)
}
