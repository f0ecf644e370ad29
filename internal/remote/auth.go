package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/campusline/edusync/internal/model"
)

// Authorizer adds credentials to outgoing requests.
type Authorizer interface {
	// BaseURL is the root of the integration's remote store.
	BaseURL() string
	Authorize(req *http.Request) error
}

// LMSCredentials is the credential shape of lms integrations. Token is a JWT
// bearer issued by the LMS.
type LMSCredentials struct {
	BaseURL string `json:"baseUrl"`
	Token   string `json:"token"`
}

// ERPCredentials is the credential shape of erp integrations.
type ERPCredentials struct {
	BaseURL     string `json:"baseUrl"`
	APIKey      string `json:"apiKey"`
	Institution string `json:"institution"`
}

// CloudCredentials is the credential shape of cloud_storage integrations.
type CloudCredentials struct {
	BaseURL      string    `json:"baseUrl"`
	ClientID     string    `json:"clientId"`
	TokenURL     string    `json:"tokenUrl"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	Expiry       time.Time `json:"expiry"`
}

// TokenRefreshFunc is called after an OAuth token was silently refreshed.
type TokenRefreshFunc func(integrationID string, tok *oauth2.Token)

// NewAuthorizer builds the authorizer for an integration from its
// credential blob. Malformed or expired credentials are auth errors.
func NewAuthorizer(ctx context.Context, in *model.Integration, onRefresh TokenRefreshFunc, logger *slog.Logger) (Authorizer, error) {
	if len(in.Credentials) == 0 {
		return nil, authError("integration " + in.ID + " has no credentials")
	}

	switch in.Type {
	case model.TypeLMS:
		var c LMSCredentials
		if err := json.Unmarshal(in.Credentials, &c); err != nil {
			return nil, authError("decoding lms credentials: " + err.Error())
		}

		return newBearerAuth(c, time.Now)
	case model.TypeERP:
		var c ERPCredentials
		if err := json.Unmarshal(in.Credentials, &c); err != nil {
			return nil, authError("decoding erp credentials: " + err.Error())
		}

		if c.APIKey == "" || c.BaseURL == "" {
			return nil, authError("erp credentials need baseUrl and apiKey")
		}

		return &apiKeyAuth{creds: c}, nil
	case model.TypeCloudStorage:
		var c CloudCredentials
		if err := json.Unmarshal(in.Credentials, &c); err != nil {
			return nil, authError("decoding cloud_storage credentials: " + err.Error())
		}

		return newOAuthAuth(ctx, in.ID, c, onRefresh, logger)
	default:
		return nil, authError(fmt.Sprintf("unsupported integration type %q", in.Type))
	}
}

// bearerAuth sends an LMS JWT. The signature is verified by the server; the
// client only reads the exp claim so an expired token fails before any
// request is made.
type bearerAuth struct {
	creds   LMSCredentials
	expires time.Time
	now     func() time.Time
}

func newBearerAuth(c LMSCredentials, now func() time.Time) (*bearerAuth, error) {
	if c.Token == "" || c.BaseURL == "" {
		return nil, authError("lms credentials need baseUrl and token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.Token, claims); err != nil {
		return nil, authError("lms token is not a JWT: " + err.Error())
	}

	a := &bearerAuth{creds: c, now: now}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, authError("lms token has an invalid exp claim")
	}

	if exp != nil {
		a.expires = exp.Time
	}

	return a, nil
}

func (a *bearerAuth) BaseURL() string { return a.creds.BaseURL }

func (a *bearerAuth) Authorize(req *http.Request) error {
	if !a.expires.IsZero() && !a.now().Before(a.expires) {
		return authError("lms token expired at " + a.expires.UTC().Format(time.RFC3339))
	}

	req.Header.Set("Authorization", "Bearer "+a.creds.Token)

	return nil
}

type apiKeyAuth struct {
	creds ERPCredentials
}

func (a *apiKeyAuth) BaseURL() string { return a.creds.BaseURL }

func (a *apiKeyAuth) Authorize(req *http.Request) error {
	req.Header.Set("X-Api-Key", a.creds.APIKey)

	if a.creds.Institution != "" {
		req.Header.Set("X-Institution", a.creds.Institution)
	}

	return nil
}

// oauthAuth uses an oauth2 token source that refreshes silently and reports
// each new token through onRefresh so it can be persisted.
type oauthAuth struct {
	baseURL string
	src     oauth2.TokenSource
	logger  *slog.Logger

	mu        sync.Mutex
	lastToken string
	id        string
	onRefresh TokenRefreshFunc
}

func newOAuthAuth(ctx context.Context, id string, c CloudCredentials, onRefresh TokenRefreshFunc, logger *slog.Logger) (*oauthAuth, error) {
	if c.BaseURL == "" || (c.AccessToken == "" && c.RefreshToken == "") {
		return nil, authError("cloud_storage credentials need baseUrl and a token")
	}

	cfg := &oauth2.Config{
		ClientID: c.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: c.TokenURL},
	}

	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &oauthAuth{
		baseURL:   c.BaseURL,
		src:       cfg.TokenSource(ctx, tok),
		logger:    logger,
		lastToken: c.AccessToken,
		id:        id,
		onRefresh: onRefresh,
	}, nil
}

func (a *oauthAuth) BaseURL() string { return a.baseURL }

func (a *oauthAuth) Authorize(req *http.Request) error {
	tok, err := a.src.Token()
	if err != nil {
		a.logger.Warn("token acquisition failed",
			slog.String("integration", a.id),
			slog.String("error", err.Error()),
		)

		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) || strings.Contains(err.Error(), "token expired") {
			return authError("refreshing token: " + err.Error())
		}

		return connectionError("refreshing token", err)
	}

	a.mu.Lock()
	changed := tok.AccessToken != a.lastToken
	a.lastToken = tok.AccessToken
	a.mu.Unlock()

	if changed {
		a.logger.Info("token refreshed", slog.String("integration", a.id), slog.Time("new_expiry", tok.Expiry))

		if a.onRefresh != nil {
			a.onRefresh(a.id, tok)
		}
	}

	tok.SetAuthHeader(req)

	return nil
}
