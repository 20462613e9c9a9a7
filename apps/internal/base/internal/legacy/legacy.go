// Copyright (c) Omni Directory Contributors.
// Licensed under the MIT license.

/*
Package legacy implements the flat cache format used by earlier generations of
Omni Directory clients and the bridge that keeps it interoperable with the
multi-entity cache.

The legacy cache stores one record per (authority, resource, client, subject)
holding both tokens. The bridge mirrors new-format user refresh tokens into this
shape on write and reads it as a fallback source when a new-format lookup misses.
Everything here is best effort: a legacy failure must never block a new-format
cache hit, so write problems are logged and absorbed.
*/
package legacy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	internalTime "github.com/omnidirectory/authentication-library-for-go/apps/internal/json/types/time"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/logger"
	"github.com/omnidirectory/authentication-library-for-go/apps/internal/oauth/ops/accesstokens"
)

// keySeparator separates the segments of a legacy record key. The legacy format
// predates the new cache's "-" keys and used a wider separator to survive values
// containing dashes.
const keySeparator = "::"

// Subject types of a legacy record.
const (
	SubjectUser          = "user"
	SubjectClient        = "client"
	SubjectUserAndClient = "user+client"
)

// Record is a single flat legacy cache entry: the full result of one token
// acquisition for one (authority, resource, client, subject).
type Record struct {
	Authority     string            `json:"authority"`
	Resource      string            `json:"resource"`
	ClientID      string            `json:"client_id"`
	SubjectType   string            `json:"subject_type"`
	UniqueID      string            `json:"unique_id,omitempty"`
	DisplayableID string            `json:"displayable_id,omitempty"`
	PrincipalID   string            `json:"principal_id,omitempty"`
	AccessToken   string            `json:"access_token,omitempty"`
	RefreshToken  string            `json:"refresh_token,omitempty"`
	RawIDToken    string            `json:"id_token,omitempty"`
	ExpiresOn     internalTime.Unix `json:"expires_on,omitempty"`
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (r Record) Key() string {
	key := strings.Join(
		[]string{r.Authority, r.Resource, r.ClientID, r.SubjectType, r.UniqueID, r.DisplayableID},
		keySeparator,
	)
	return strings.ToLower(key)
}

// IsZero reports whether r holds no entry.
func (r Record) IsZero() bool {
	return r == Record{}
}

// Environment returns the host of the record's authority URI, or "" when the
// authority cannot be parsed.
func (r Record) Environment() string {
	u, err := url.Parse(r.Authority)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Contract is the JSON structure written to storage when serializing the legacy
// cache. The shape is shared with earlier client generations and cannot change.
type Contract struct {
	Tokens map[string]Record `json:"tokens"`
}

// NewContract is the constructor for Contract.
func NewContract() *Contract {
	return &Contract{Tokens: map[string]Record{}}
}

// Manager owns the legacy records. It has its own lock: bridge operations are
// additive and best effort, so they do not participate in the new cache's write
// atomicity.
type Manager struct {
	mu       sync.Mutex
	contract *Contract
	log      logger.LoggerInterface
}

// New is the constructor for Manager.
func New(log logger.LoggerInterface) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{contract: NewContract(), log: log}
}

// WriteRefreshToken upserts a legacy record for a user refresh token written to the
// new cache. App-only tokens are never mirrored: the legacy subject for them is the
// app itself and older clients acquire those directly. The scope string stands in
// for the legacy resource, as the directory no longer reports resources.
func (m *Manager) WriteRefreshToken(ctx context.Context, rt accesstokens.RefreshToken, idToken accesstokens.IDToken, authority, scopes string) {
	if rt.IsZero() || rt.PrincipalID == "" {
		return
	}
	rec := Record{
		Authority:     strings.ToLower(authority),
		Resource:      strings.ToLower(scopes),
		ClientID:      rt.ClientID,
		SubjectType:   SubjectUser,
		UniqueID:      idToken.LocalAccountID(),
		DisplayableID: strings.ToLower(idToken.DisplayableID()),
		PrincipalID:   rt.PrincipalID,
		RefreshToken:  rt.Secret,
		RawIDToken:    idToken.RawToken,
	}
	if env := rec.Environment(); env != "" && !strings.EqualFold(env, rt.Environment) {
		m.log.Log(ctx, logger.Warn, "not mirroring refresh token to legacy cache: authority host differs from token environment",
			logger.Field("authority", authority), logger.Field("environment", rt.Environment))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.contract.Tokens[rec.Key()] = rec
}

// ReadRefreshToken scans the legacy records for a refresh token usable by clientID
// under any of envAliases. A supplied principal id must match exactly; the
// displayable id (login hint) matches only queries that carry no principal id, for
// records written before principal ids existed. When neither is supplied, a single
// candidate is unambiguous and returned; several candidates are a miss, never a
// guess.
func (m *Manager) ReadRefreshToken(envAliases []string, clientID, loginHint, principalID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []Record
	for _, rec := range m.contract.Tokens {
		if rec.RefreshToken == "" || !strings.EqualFold(rec.ClientID, clientID) {
			continue
		}
		if !matchesAlias(rec.Environment(), envAliases) {
			continue
		}
		candidates = append(candidates, rec)
	}

	if principalID != "" {
		for _, rec := range candidates {
			if rec.PrincipalID == principalID {
				return rec, nil
			}
		}
		// A supplied principal id that matches nothing is a miss. Falling back to
		// the displayable id here could hand out another user's token when two
		// accounts share a username across records.
		return Record{}, fmt.Errorf("no legacy refresh token found for client %s", clientID)
	}
	if loginHint != "" {
		for _, rec := range candidates {
			if strings.EqualFold(rec.DisplayableID, loginHint) {
				return rec, nil
			}
		}
	}
	if principalID == "" && loginHint == "" && len(candidates) == 1 {
		return candidates[0], nil
	}
	return Record{}, fmt.Errorf("no legacy refresh token found for client %s", clientID)
}

// RemoveAccount deletes every legacy record belonging to the account, matching by
// principal id when the record has one and by displayable id otherwise. Removal
// spans all clients: accounts are principal scoped, not client scoped.
func (m *Manager) RemoveAccount(envAliases []string, displayableID, principalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, rec := range m.contract.Tokens {
		if !matchesAlias(rec.Environment(), envAliases) {
			continue
		}
		if principalID != "" && rec.PrincipalID == principalID {
			delete(m.contract.Tokens, key)
			continue
		}
		if displayableID != "" && strings.EqualFold(rec.DisplayableID, displayableID) {
			delete(m.contract.Tokens, key)
		}
	}
}

// AllRecords returns a snapshot of every legacy record.
func (m *Manager) AllRecords() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := make([]Record, 0, len(m.contract.Tokens))
	for _, rec := range m.contract.Tokens {
		recs = append(recs, rec)
	}
	return recs
}

// Marshal implements cache.Marshaler.
func (m *Manager) Marshal() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.Marshal(m.contract)
}

// Unmarshal implements cache.Unmarshaler.
func (m *Manager) Unmarshal(b []byte) error {
	contract := NewContract()
	if err := json.Unmarshal(b, contract); err != nil {
		return err
	}
	if contract.Tokens == nil {
		contract.Tokens = map[string]Record{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.contract = contract
	return nil
}

// matchesAlias reports whether env is one of aliases. An empty alias set means
// the caller supplied no authority and every environment matches.
func matchesAlias(env string, aliases []string) bool {
	if len(aliases) == 0 {
		return true
	}
	for _, alias := range aliases {
		if strings.EqualFold(env, alias) {
			return true
		}
	}
	return false
}
