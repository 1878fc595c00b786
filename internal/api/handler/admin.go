package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/leadscout/internal/api/response"
	"github.com/kiranshivaraju/leadscout/internal/store"
	"github.com/kiranshivaraju/leadscout/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const apiKeyPrefix = "ls_"

// AdminStore is the account and key management surface. store.Store satisfies it.
type AdminStore interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, accountID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, accountID uuid.UUID) error
}

// Granter credits an account outside any job. *ledger.Ledger implements it.
type Granter interface {
	Grant(ctx context.Context, accountID uuid.UUID, amount int) error
	Balance(ctx context.Context, accountID uuid.UUID) (int, error)
}

type createAccountRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Credits int    `json:"credits" validate:"min=0"`
}

// NewCreateAccountHandler returns an http.HandlerFunc for POST /api/v1/admin/accounts.
// Opening credits go through the ledger as a grant so they show up in the
// transaction history.
func NewCreateAccountHandler(s AdminStore, g Granter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAccountRequest
		if !decode(w, r, &req) {
			return
		}
		now := time.Now().UTC()
		account := &models.Account{
			ID:        uuid.New(),
			Name:      req.Name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateAccount(r.Context(), account); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Credits > 0 {
			if err := g.Grant(r.Context(), account.ID, req.Credits); err != nil {
				writeError(w, r, err)
				return
			}
			account.Credits = req.Credits
		}
		response.Created(w, account)
	}
}

type grantRequest struct {
	Amount int `json:"amount" validate:"gt=0"`
}

// NewGrantCreditsHandler returns an http.HandlerFunc for
// POST /api/v1/admin/accounts/{accountID}/credits.
func NewGrantCreditsHandler(g Granter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, ok := uuidParam(w, r, "accountID")
		if !ok {
			return
		}
		var req grantRequest
		if !decode(w, r, &req) {
			return
		}
		if err := g.Grant(r.Context(), acct, req.Amount); err != nil {
			writeError(w, r, err)
			return
		}
		balance, err := g.Balance(r.Context(), acct)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]int{"balance": balance})
	}
}

type createKeyRequest struct {
	AccountID string   `json:"account_id" validate:"required,uuid"`
	Name      string   `json:"name" validate:"required,max=100"`
	Scopes    []string `json:"scopes" validate:"required,min=1,dive,oneof=read write admin"`
}

type createKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key appears in this response only.
func NewCreateKeyHandler(s AdminStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createKeyRequest
		if !decode(w, r, &req) {
			return
		}

		raw, err := generateKey()
		if err != nil {
			writeError(w, r, err)
			return
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
		if err != nil {
			writeError(w, r, fmt.Errorf("hashing api key: %w", err))
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			AccountID: uuid.MustParse(req.AccountID),
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: raw[:8],
			Scopes:    req.Scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys?account_id=.
func NewListKeysHandler(s AdminStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		acct, err := uuid.Parse(r.URL.Query().Get("account_id"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "account_id must be a UUID", nil)
			return
		}
		keys, err := s.ListAPIKeys(r.Context(), acct)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}?account_id=.
func NewRevokeKeyHandler(s AdminStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keyID, ok := uuidParam(w, r, "keyID")
		if !ok {
			return
		}
		acct, err := uuid.Parse(r.URL.Query().Get("account_id"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "account_id must be a UUID", nil)
			return
		}
		err = s.RevokeAPIKey(r.Context(), keyID, acct)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "API key not found", nil)
			return
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.NoContent(w)
	}
}

// generateKey returns "ls_" followed by 48 hex characters.
func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}
