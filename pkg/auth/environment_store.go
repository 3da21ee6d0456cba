package auth

import (
	"os"
	"time"
)

// Environment variables read by EnvironmentStore
const (
	EnvSessionID = "IGPROXY_SESSION_ID"
	EnvCSRFToken = "IGPROXY_CSRF_TOKEN"
	EnvUserAgent = "IGPROXY_SESSION_USER_AGENT"
)

// EnvironmentStore is a read-only store backed by IGPROXY_* variables.
// It suits container deployments where no keychain or home directory exists.
type EnvironmentStore struct{}

// NewEnvironmentStore creates a new environment-based credential store
func NewEnvironmentStore() *EnvironmentStore {
	return &EnvironmentStore{}
}

// Store is not supported for environment variables
func (e *EnvironmentStore) Store(account *Account) error {
	return ErrStoreUnavailable
}

// Retrieve returns the environment session under the given name, or "env"
func (e *EnvironmentStore) Retrieve(username string) (*Account, error) {
	sessionID := os.Getenv(EnvSessionID)
	csrfToken := os.Getenv(EnvCSRFToken)
	if sessionID == "" || csrfToken == "" {
		return nil, ErrCredentialsNotFound
	}

	if username == "" {
		username = "env"
	}

	return &Account{
		Username:     username,
		SessionID:    sessionID,
		CSRFToken:    csrfToken,
		UserAgent:    os.Getenv(EnvUserAgent),
		LastModified: time.Now(),
	}, nil
}

// List returns a single account if environment variables are set
func (e *EnvironmentStore) List() ([]*Account, error) {
	account, err := e.Retrieve("")
	if err != nil {
		return []*Account{}, nil
	}
	return []*Account{account}, nil
}

// Delete is not supported for environment variables
func (e *EnvironmentStore) Delete(username string) error {
	return ErrStoreUnavailable
}

// Exists checks if environment credentials exist
func (e *EnvironmentStore) Exists(username string) bool {
	return os.Getenv(EnvSessionID) != "" && os.Getenv(EnvCSRFToken) != ""
}
