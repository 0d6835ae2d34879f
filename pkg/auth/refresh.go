// Package auth fetches short-lived object-store credentials from a token
// service and refreshes them behind the AWS SDK's provider interface.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	json "github.com/goccy/go-json"

	"github.com/tundradb/tundra/pkg/errors"
)

// Credentials is one issued credential set
type Credentials struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

type tokenResponse struct {
	Success bool        `json:"success"`
	Data    Credentials `json:"data"`
}

// Service talks to the credential endpoint
type Service struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewService creates a credential service client
func NewService(baseURL, apiKey string) *Service {
	return &Service{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch requests a fresh credential set
func (s *Service) Fetch(ctx context.Context) (*Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL, http.NoBody)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "failed to create credentials request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransient, "credentials request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.ErrorTypeTransient,
			fmt.Sprintf("credentials endpoint returned status %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCorrupt, "failed to decode credentials response")
	}
	if !tr.Success || tr.Data.AccessKeyID == "" {
		return nil, errors.New(errors.ErrorTypeTransient, "credentials endpoint returned no credentials")
	}
	return &tr.Data, nil
}

// Refresher caches credentials and refreshes them only when the refresh
// interval has elapsed AND the cached set is near expiry. Both conditions
// are required: an expired cache alone must not hammer the endpoint
// faster than the interval, and an elapsed interval alone must not
// discard credentials that are still comfortably valid.
type Refresher struct {
	svc      *Service
	interval time.Duration
	margin   time.Duration

	mu        sync.Mutex
	cached    *Credentials
	lastFetch time.Time
}

// NewRefresher wraps the service in a caching provider. interval bounds
// the upstream fetch rate; margin is how long before expiry a credential
// counts as stale.
func NewRefresher(svc *Service, interval, margin time.Duration) *Refresher {
	if interval <= 0 {
		interval = time.Minute
	}
	if margin <= 0 {
		margin = 5 * time.Minute
	}
	return &Refresher{svc: svc, interval: interval, margin: margin}
}

func (r *Refresher) stale(now time.Time) bool {
	return now.Add(r.margin).After(r.cached.ExpiresAt)
}

// Retrieve implements aws.CredentialsProvider
func (r *Refresher) Retrieve(ctx context.Context) (aws.Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	due := now.Sub(r.lastFetch) >= r.interval
	if r.cached == nil || (due && r.stale(now)) {
		creds, err := r.svc.Fetch(ctx)
		if err != nil {
			if r.cached != nil && now.Before(r.cached.ExpiresAt) {
				// Serve the still-valid cache through transient outages.
				return r.awsCredentials(), nil
			}
			return aws.Credentials{}, err
		}
		r.cached = creds
		r.lastFetch = now
	}
	return r.awsCredentials(), nil
}

func (r *Refresher) awsCredentials() aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     r.cached.AccessKeyID,
		SecretAccessKey: r.cached.SecretAccessKey,
		SessionToken:    r.cached.SessionToken,
		CanExpire:       !r.cached.ExpiresAt.IsZero(),
		Expires:         r.cached.ExpiresAt,
		Source:          "tundra-auth",
	}
}
