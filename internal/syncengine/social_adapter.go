package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type SocialPostOptions struct {
	BaseURL           string
	FeedID            string
	HTTPClient        *http.Client
	Credentials       *TargetClient
	RequestsPerSecond float64
}

// SocialPostAdapter announces events on a Graph-API feed. The page and the
// group are two instances with their own feed id and token.
type SocialPostAdapter struct {
	target SyncTarget
	feedID string
	api    *apiClient
}

func NewSocialPostAdapter(target SyncTarget, opts SocialPostOptions) *SocialPostAdapter {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v19.0"
	}
	return &SocialPostAdapter{
		target: target,
		feedID: strings.TrimSpace(opts.FeedID),
		api: newAPIClient(apiClientOptions{
			BaseURL:           baseURL,
			HTTPClient:        opts.HTTPClient,
			Credentials:       opts.Credentials,
			RequestsPerSecond: opts.RequestsPerSecond,
			DecodeError:       decodeGraphError,
		}),
	}
}

func (a *SocialPostAdapter) Target() SyncTarget {
	return a.target
}

func (a *SocialPostAdapter) Create(ctx context.Context, entity Entity) (string, error) {
	form, err := socialPostForm(entity)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := a.api.do(ctx, http.MethodPost, "/"+url.PathEscape(a.feedID)+"/feed", form, &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.ID) == "" {
		return "", NewTargetError(KindTransient, "empty_id", "graph api returned no post id")
	}
	return created.ID, nil
}

// Update edits the message of an existing post; Graph does not allow
// changing the attached link after publication.
func (a *SocialPostAdapter) Update(ctx context.Context, externalID string, entity Entity) error {
	form, err := socialPostForm(entity)
	if err != nil {
		return err
	}
	form.Del("link")
	return a.api.do(ctx, http.MethodPost, "/"+url.PathEscape(externalID), form, nil)
}

func (a *SocialPostAdapter) Delete(ctx context.Context, externalID string) error {
	err := a.api.do(ctx, http.MethodDelete, "/"+url.PathEscape(externalID), nil, nil)
	if errors.Is(err, ErrNotFoundRemote) {
		return nil
	}
	return err
}

func (a *SocialPostAdapter) HealthCheck(ctx context.Context) error {
	return a.api.do(ctx, http.MethodGet, "/"+url.PathEscape(a.feedID)+"?fields=id", nil, nil)
}

func (a *SocialPostAdapter) RefreshCredentials(ctx context.Context) error {
	return a.api.refresh(ctx)
}

func socialPostForm(entity Entity) (url.Values, error) {
	details := entity.Event
	if entity.Ref.Kind != EntityEvent || details == nil {
		return nil, NewTargetError(KindRejected, "unsupported_entity", "social targets only accept events")
	}
	lines := []string{strings.TrimSpace(details.Title)}
	if !details.StartsAt.IsZero() {
		loc := time.UTC
		if tz := strings.TrimSpace(details.Timezone); tz != "" {
			if loaded, err := time.LoadLocation(tz); err == nil {
				loc = loaded
			}
		}
		lines = append(lines, details.StartsAt.In(loc).Format("Monday 2 January 2006, 15:04"))
	}
	if location := strings.TrimSpace(details.LocationLabel); location != "" {
		lines = append(lines, location)
	}
	if description := strings.TrimSpace(details.Description); description != "" {
		lines = append(lines, "", description)
	}
	form := url.Values{}
	form.Set("message", strings.Join(lines, "\n"))
	if link := strings.TrimSpace(details.URL); link != "" {
		form.Set("link", link)
	}
	return form, nil
}

type graphErrorBody struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// decodeGraphError refines the status mapping with Graph error codes, which
// often arrive on a plain 400.
func decodeGraphError(status int, header http.Header, body []byte) *TargetError {
	var parsed graphErrorBody
	if json.Unmarshal(body, &parsed) != nil || parsed.Error.Code == 0 {
		return classifyHTTPStatus(status, header, string(body))
	}
	classified := classifyHTTPStatus(status, header, parsed.Error.Message)
	classified.Code = "graph_" + strconv.Itoa(parsed.Error.Code)
	switch parsed.Error.Code {
	case 190, 102:
		classified.Kind = KindAuthExpired
	case 4, 17, 32, 613:
		classified.Kind = KindRateLimited
	case 1, 2:
		classified.Kind = KindTransient
	case 100:
		if parsed.Error.ErrorSubcode == 33 {
			classified.Kind = KindNotFoundRemote
		}
	}
	return classified
}
