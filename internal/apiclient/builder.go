// Package apiclient translates outbox intents into the HTTP requests the
// reducer's capability port actually executes. It is the one place that
// knows the field-report API's URL shape; pkg/reducer only knows Intent and
// capability.HttpRequest.
package apiclient

import (
	"encoding/json"
	"fmt"

	"github.com/fieldrelay/syncore/pkg/capability"
	"github.com/fieldrelay/syncore/pkg/model"
	"github.com/fieldrelay/syncore/pkg/outbox"
)

// Builder implements pkg/reducer.RequestBuilder against a fixed API base
// URL, attaching bearer auth and the outbox's idempotency key to every
// mutating call.
type Builder struct {
	BaseURL string
}

// New constructs a Builder. baseURL should not carry a trailing slash.
func New(baseURL string) *Builder {
	return &Builder{BaseURL: baseURL}
}

// BuildIntentRequest renders one outbox intent as the HTTP call the server
// would receive for it.
func (b *Builder) BuildIntentRequest(intent outbox.Intent, idempotencyKey model.IdempotencyKey, bearerToken string) (*capability.HttpRequest, error) {
	switch intent.Kind {
	case outbox.IntentCreateCase:
		return b.jsonRequest(capability.MethodPost, "/v1/cases", idempotencyKey, bearerToken, createCaseBody{
			LocalID:       string(intent.LocalID),
			Lat:           intent.Location.Lat,
			Lon:           intent.Location.Lon,
			Description:   intent.Description,
			LandmarkHint:  intent.LandmarkHint,
			WoundSeverity: severityInt(intent.WoundSeverity),
			HasPhoto:      intent.HasPhoto,
			CreatedAtMs:   uint64(intent.CreatedAtUTC),
		})

	case outbox.IntentUploadPhoto:
		req, err := capability.NewHttpRequest(capability.MethodPut, intent.UploadURL)
		if err != nil {
			return nil, fmt.Errorf("building upload-photo request: %w", err)
		}
		for name, value := range intent.UploadHeaders {
			if err := req.Headers.Insert(name, value); err != nil {
				return nil, fmt.Errorf("upload-photo header %q: %w", name, err)
			}
		}
		return req, nil

	case outbox.IntentClaimCase:
		path := fmt.Sprintf("/v1/cases/%s/claim", intent.CaseID)
		return b.jsonRequest(capability.MethodPost, path, idempotencyKey, bearerToken, struct{}{})

	case outbox.IntentTransitionCase:
		path := fmt.Sprintf("/v1/cases/%s/transition", intent.CaseID)
		return b.jsonRequest(capability.MethodPost, path, idempotencyKey, bearerToken, transitionBody{
			NextStatus: intent.NextStatus.String(),
			Notes:      intent.Notes,
		})

	case outbox.IntentSyncPushToken:
		return b.jsonRequest(capability.MethodPut, "/v1/devices/push-token", idempotencyKey, bearerToken, pushTokenBody{
			Token: intent.PushToken,
		})

	default:
		return nil, fmt.Errorf("apiclient: unknown intent kind %v", intent.Kind)
	}
}

// BuildRefreshRequest renders a paged case-list fetch.
func (b *Builder) BuildRefreshRequest(cursor string, bearerToken string) (*capability.HttpRequest, error) {
	path := "/v1/cases"
	if cursor != "" {
		path += "?cursor=" + cursor
	}
	req, err := capability.NewHttpRequest(capability.MethodGet, b.BaseURL+path)
	if err != nil {
		return nil, fmt.Errorf("building refresh request: %w", err)
	}
	if err := req.Headers.Insert("Authorization", "Bearer "+bearerToken); err != nil {
		return nil, fmt.Errorf("refresh request auth header: %w", err)
	}
	return req, nil
}

func (b *Builder) jsonRequest(method capability.HttpMethod, path string, idempotencyKey model.IdempotencyKey, bearerToken string, body any) (*capability.HttpRequest, error) {
	req, err := capability.NewHttpRequest(method, b.BaseURL+path)
	if err != nil {
		return nil, fmt.Errorf("building %s %s: %w", method, path, err)
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s %s body: %w", method, path, err)
	}
	if err := req.WithBody(encoded); err != nil {
		return nil, fmt.Errorf("attaching %s %s body: %w", method, path, err)
	}
	if err := req.Headers.Insert("Content-Type", "application/json"); err != nil {
		return nil, err
	}
	if err := req.Headers.Insert("Idempotency-Key", string(idempotencyKey)); err != nil {
		return nil, err
	}
	if err := req.Headers.Insert("Authorization", "Bearer "+bearerToken); err != nil {
		return nil, err
	}
	return req, nil
}

func severityInt(s *model.WoundSeverity) *int {
	if s == nil {
		return nil
	}
	v := int(*s)
	return &v
}

type createCaseBody struct {
	LocalID       string  `json:"local_id"`
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	Description   *string `json:"description,omitempty"`
	LandmarkHint  *string `json:"landmark_hint,omitempty"`
	WoundSeverity *int    `json:"wound_severity,omitempty"`
	HasPhoto      bool    `json:"has_photo"`
	CreatedAtMs   uint64  `json:"created_at_ms"`
}

type transitionBody struct {
	NextStatus string  `json:"next_status"`
	Notes      *string `json:"notes,omitempty"`
}

type pushTokenBody struct {
	Token string `json:"token"`
}
