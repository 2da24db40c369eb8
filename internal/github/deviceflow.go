package github

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"
)

// DefaultScopes are requested at login: repo access for the governance
// repositories and org membership reads for deployments.
var DefaultScopes = []string{"repo", "read:org"}

// DeviceFlow runs the OAuth device authorization grant against GitHub.
type DeviceFlow struct {
	config *oauth2.Config
}

// NewDeviceFlow creates a device flow for an OAuth app client ID.
func NewDeviceFlow(clientID string, scopes ...string) *DeviceFlow {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	return &DeviceFlow{config: &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauthgithub.Endpoint,
		Scopes:   scopes,
	}}
}

// WithEndpoint returns a copy using endpoint instead of github.com.
func (d *DeviceFlow) WithEndpoint(endpoint oauth2.Endpoint) *DeviceFlow {
	cfg := *d.config
	cfg.Endpoint = endpoint
	return &DeviceFlow{config: &cfg}
}

// Start requests a device and user code.
func (d *DeviceFlow) Start(ctx context.Context) (*oauth2.DeviceAuthResponse, error) {
	resp, err := d.config.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start device flow: %w", err)
	}
	return resp, nil
}

// Exchange polls until the user authorizes the device, the code expires, or
// ctx is done, and returns the access token.
func (d *DeviceFlow) Exchange(ctx context.Context, auth *oauth2.DeviceAuthResponse) (string, error) {
	tok, err := d.config.DeviceAccessToken(ctx, auth)
	if err != nil {
		return "", fmt.Errorf("failed to exchange device code: %w", err)
	}
	return tok.AccessToken, nil
}
