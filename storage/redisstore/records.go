package redisstore

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mcp-memory/authz/storage"
)

// storedClient is the JSON form of a client.
type storedClient struct {
	ClientID        string            `json:"client_id"`
	SecretHash      string            `json:"secret_hash"`
	Name            string            `json:"name"`
	RedirectURIs    []string          `json:"redirect_uris"`
	AllowedScopes   []string          `json:"allowed_scopes"`
	OwnerID         string            `json:"owner_id"`
	Active          bool              `json:"active"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	SecretRotatedAt time.Time         `json:"secret_rotated_at,omitzero"`
	DeactivatedAt   time.Time         `json:"deactivated_at,omitzero"`
}

func fromClient(c *storage.Client) storedClient {
	return storedClient{
		ClientID:        c.ClientID,
		SecretHash:      c.SecretHash,
		Name:            c.Name,
		RedirectURIs:    c.RedirectURIs,
		AllowedScopes:   c.AllowedScopes,
		OwnerID:         c.OwnerID,
		Active:          c.Active,
		Metadata:        c.Metadata,
		CreatedAt:       c.CreatedAt,
		SecretRotatedAt: c.SecretRotatedAt,
		DeactivatedAt:   c.DeactivatedAt,
	}
}

func (r storedClient) toClient() *storage.Client {
	return &storage.Client{
		ClientID:        r.ClientID,
		SecretHash:      r.SecretHash,
		Name:            r.Name,
		RedirectURIs:    r.RedirectURIs,
		AllowedScopes:   r.AllowedScopes,
		OwnerID:         r.OwnerID,
		Active:          r.Active,
		Metadata:        r.Metadata,
		CreatedAt:       r.CreatedAt,
		SecretRotatedAt: r.SecretRotatedAt,
		DeactivatedAt:   r.DeactivatedAt,
	}
}

// storedCode is the immutable part of an authorization code. Used and UsedAt
// live in their own hash fields.
type storedCode struct {
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	State               string    `json:"state,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func (r storedCode) toCode(hash string, fields map[string]string) (*storage.AuthorizationCode, error) {
	used, usedAt, err := parseFlag(fields, "used")
	if err != nil {
		return nil, err
	}
	return &storage.AuthorizationCode{
		CodeHash:            hash,
		ClientID:            r.ClientID,
		UserID:              r.UserID,
		RedirectURI:         r.RedirectURI,
		Scopes:              r.Scopes,
		State:               r.State,
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		CreatedAt:           r.CreatedAt,
		ExpiresAt:           r.ExpiresAt,
		Used:                used,
		UsedAt:              usedAt,
	}, nil
}

// storedAccess is the immutable part of an access token.
type storedAccess struct {
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id"`
	Scopes    []string  `json:"scopes"`
	FamilyID  string    `json:"family_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r storedAccess) toAccess(hash string, fields map[string]string) (*storage.AccessToken, error) {
	revoked, revokedAt, err := parseFlag(fields, "revoked")
	if err != nil {
		return nil, err
	}
	return &storage.AccessToken{
		TokenHash: hash,
		ClientID:  r.ClientID,
		UserID:    r.UserID,
		Scopes:    r.Scopes,
		FamilyID:  r.FamilyID,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
		Revoked:   revoked,
		RevokedAt: revokedAt,
	}, nil
}

// storedRefresh is the immutable part of a refresh token.
type storedRefresh struct {
	AccessTokenHash string    `json:"access_token_hash"`
	ClientID        string    `json:"client_id"`
	UserID          string    `json:"user_id"`
	Scopes          []string  `json:"scopes"`
	GrantedScopes   []string  `json:"granted_scopes"`
	FamilyID        string    `json:"family_id,omitempty"`
	Generation      int       `json:"generation"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (r storedRefresh) toRefresh(hash string, fields map[string]string) (*storage.RefreshToken, error) {
	revoked, revokedAt, err := parseFlag(fields, "revoked")
	if err != nil {
		return nil, err
	}
	return &storage.RefreshToken{
		TokenHash:       hash,
		AccessTokenHash: r.AccessTokenHash,
		ClientID:        r.ClientID,
		UserID:          r.UserID,
		Scopes:          r.Scopes,
		GrantedScopes:   r.GrantedScopes,
		FamilyID:        r.FamilyID,
		Generation:      r.Generation,
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
		Revoked:         revoked,
		RevokedAt:       revokedAt,
	}, nil
}

var errMissingData = errors.New("record has no data field")

// decode unmarshals the data field of a record hash.
func decode(fields map[string]string, v any) error {
	data, ok := fields["data"]
	if !ok {
		return errMissingData
	}
	return json.Unmarshal([]byte(data), v)
}
