package syncengine

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

type SubscriptionOptions struct {
	BaseURL           string
	CampaignID        string
	HTTPClient        *http.Client
	Credentials       *TargetClient
	RequestsPerSecond float64
}

// SubscriptionAdapter keeps the supporter's member record at the
// subscription provider in line with the canonical supporter row.
type SubscriptionAdapter struct {
	campaignID string
	api        *apiClient
}

func NewSubscriptionAdapter(opts SubscriptionOptions) *SubscriptionAdapter {
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = "https://www.patreon.com/api/oauth2/v2"
	}
	return &SubscriptionAdapter{
		campaignID: strings.TrimSpace(opts.CampaignID),
		api: newAPIClient(apiClientOptions{
			BaseURL:           baseURL,
			HTTPClient:        opts.HTTPClient,
			Credentials:       opts.Credentials,
			RequestsPerSecond: opts.RequestsPerSecond,
		}),
	}
}

func (a *SubscriptionAdapter) Target() SyncTarget {
	return TargetSubscriptionProvider
}

type memberDocument struct {
	Data memberResource `json:"data"`
}

type memberResource struct {
	ID         string           `json:"id,omitempty"`
	Type       string           `json:"type"`
	Attributes memberAttributes `json:"attributes"`
}

type memberAttributes struct {
	Email       string `json:"email"`
	FullName    string `json:"full_name"`
	Tier        string `json:"tier,omitempty"`
	Active      bool   `json:"active"`
	NotifyOptIn bool   `json:"notify_opt_in"`
	CampaignID  string `json:"campaign_id,omitempty"`
}

func (a *SubscriptionAdapter) document(entity Entity, id string) (memberDocument, error) {
	details := entity.Supporter
	if entity.Ref.Kind != EntitySupporter || details == nil {
		return memberDocument{}, NewTargetError(KindRejected, "unsupported_entity", "subscription target only accepts supporters")
	}
	if strings.TrimSpace(details.Email) == "" {
		return memberDocument{}, NewTargetError(KindRejected, "missing_email", "supporter has no email")
	}
	return memberDocument{Data: memberResource{
		ID:   id,
		Type: "member",
		Attributes: memberAttributes{
			Email:       details.Email,
			FullName:    details.DisplayName,
			Tier:        details.Tier,
			Active:      details.Active,
			NotifyOptIn: details.NotifyOptIn,
			CampaignID:  a.campaignID,
		},
	}}, nil
}

// Create adopts the provider's member when the supporter arrived through a
// provider webhook and only posts a new member otherwise.
func (a *SubscriptionAdapter) Create(ctx context.Context, entity Entity) (string, error) {
	if entity.Supporter != nil {
		if memberID := strings.TrimSpace(entity.Supporter.ProviderMemberID); memberID != "" {
			err := a.Update(ctx, memberID, entity)
			if err == nil {
				return memberID, nil
			}
			if !errors.Is(err, ErrNotFoundRemote) {
				return "", err
			}
		}
	}
	doc, err := a.document(entity, "")
	if err != nil {
		return "", err
	}
	var created memberDocument
	if err := a.api.do(ctx, http.MethodPost, "/members", doc, &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.Data.ID) == "" {
		return "", NewTargetError(KindTransient, "empty_id", "provider returned no member id")
	}
	return created.Data.ID, nil
}

func (a *SubscriptionAdapter) Update(ctx context.Context, externalID string, entity Entity) error {
	doc, err := a.document(entity, externalID)
	if err != nil {
		return err
	}
	return a.api.do(ctx, http.MethodPatch, "/members/"+url.PathEscape(externalID), doc, nil)
}

func (a *SubscriptionAdapter) Delete(ctx context.Context, externalID string) error {
	err := a.api.do(ctx, http.MethodDelete, "/members/"+url.PathEscape(externalID), nil, nil)
	if errors.Is(err, ErrNotFoundRemote) {
		return nil
	}
	return err
}

func (a *SubscriptionAdapter) HealthCheck(ctx context.Context) error {
	return a.api.do(ctx, http.MethodGet, "/identity", nil, nil)
}

func (a *SubscriptionAdapter) RefreshCredentials(ctx context.Context) error {
	return a.api.refresh(ctx)
}
