// Package vault builds authenticated HashiCorp Vault API clients
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// DefaultClientTimeout bounds every request sent to Vault
const DefaultClientTimeout = 10 * time.Second

// AuthenticatedClient represents an authenticated
// client that can talk to the vault server
type AuthenticatedClient interface {
	GetClient(ctx context.Context) (*api.Client, error)
}

// Config selects the authentication method. AppRole is used when RoleID
// is set, otherwise the static Token.
type Config struct {
	Address            string
	Token              string
	ApproleRoleID      string
	ApproleSecretID    string
	ApproleBackendPath string
	Logger             hclog.Logger
}

// NewAuthenticatedClient returns the client matching cfg
func NewAuthenticatedClient(cfg Config) (AuthenticatedClient, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is not set")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.ApproleRoleID != "" {
		if cfg.ApproleSecretID == "" {
			return nil, errors.New("approle secret id is not set")
		}
		backend := cfg.ApproleBackendPath
		if backend == "" {
			backend = "approle"
		}
		return &ApproleAuthenticatedClient{
			Address:     cfg.Address,
			RoleID:      cfg.ApproleRoleID,
			SecretID:    cfg.ApproleSecretID,
			BackendPath: backend,
			Logger:      logger,
		}, nil
	}
	if cfg.Token == "" {
		return nil, errors.New("either a vault token or an approle must be configured")
	}
	return &TokenAuthenticatedClient{Address: cfg.Address, Token: cfg.Token}, nil
}

func newAPIClient(address string) (*api.Client, error) {
	client, err := api.NewClient(api.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := client.SetAddress(address); err != nil {
		return nil, err
	}
	client.SetClientTimeout(DefaultClientTimeout)
	return client, nil
}

// TokenAuthenticatedClient is the config
// object required to create a token based authenticated
// Vault client
type TokenAuthenticatedClient struct {
	Address string
	Token   string
	client  *api.Client
	sync.Mutex
}

// GetClient creates a new authenticated client to
// interact with a vault server's API. A token is directly passed
// for authentication
// Does not implement token renewal
func (tac *TokenAuthenticatedClient) GetClient(ctx context.Context) (*api.Client, error) {
	tac.Lock()
	defer tac.Unlock()

	if tac.client == nil {
		client, err := newAPIClient(tac.Address)
		if err != nil {
			return nil, err
		}
		client.SetToken(tac.Token)
		tac.client = client
	}
	return tac.client, nil
}

// ApproleAuthenticatedClient is the config
// object required to create a Vault client that
// authenticates using Vault's Approle auth backend
type ApproleAuthenticatedClient struct {
	Address      string
	SecretID     string
	RoleID       string
	BackendPath  string
	Logger       hclog.Logger
	client       *api.Client
	tokenExpires time.Time
	sync.Mutex
}

// GetClient uses the Approle auth backend to obtain a token
// Implements token renewal
func (aac *ApproleAuthenticatedClient) GetClient(ctx context.Context) (*api.Client, error) {
	aac.Lock()
	defer aac.Unlock()

	// If token not empty and still valid (with a margin of 60 seconds)
	if aac.client != nil && aac.client.Token() != "" && time.Now().Add(60*time.Second).Before(aac.tokenExpires) {
		return aac.client, nil
	}

	// either the client is still not created or the
	// token has expired ...
	client, err := newAPIClient(aac.Address)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"role_id":   aac.RoleID,
		"secret_id": aac.SecretID,
	}
	req := client.NewRequest("POST", fmt.Sprintf("/v1/auth/%s/login", aac.BackendPath))
	if err := req.SetJSONBody(payload); err != nil {
		return nil, err
	}
	rsp, err := client.RawRequestWithContext(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "approle login")
	}
	defer rsp.Body.Close()

	var data struct {
		Auth struct {
			ClientToken   string      `json:"client_token"`
			LeaseDuration json.Number `json:"lease_duration"`
		} `json:"auth"`
	}
	if err := rsp.DecodeJSON(&data); err != nil {
		return nil, err
	}
	if data.Auth.ClientToken == "" {
		return nil, errors.New("approle login returned no token")
	}
	client.SetToken(data.Auth.ClientToken)

	lease, err := time.ParseDuration(data.Auth.LeaseDuration.String() + "s")
	if err != nil {
		return nil, err
	}
	aac.client = client
	aac.tokenExpires = time.Now().Add(lease)
	if aac.Logger != nil {
		aac.Logger.Debug("obtained vault token", "backend", aac.BackendPath, "expires", aac.tokenExpires)
	}

	return aac.client, nil
}
