package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/torchlight-app/table-sync-go/internal/model"
)

// In-memory implementations of the store interfaces. They hold the same
// compare-and-set guarantees as the SQL-backed ones (one mutex per store)
// and exist for per-test isolation and for running without external
// services.

type MemoryPairingSessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*model.PairingSession // id -> session
}

func NewMemoryPairingSessionRepository() *MemoryPairingSessionRepository {
	return &MemoryPairingSessionRepository{
		sessions: make(map[string]*model.PairingSession),
	}
}

func (r *MemoryPairingSessionRepository) Create(ctx context.Context, params model.CreatePairingSessionParams) (*model.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waitingHolderLocked(params.Code, "") {
		return nil, ErrCodeTaken
	}

	now := time.Now()
	s := &model.PairingSession{
		ID:              uuid.NewString(),
		TokenHash:       params.TokenHash,
		Code:            params.Code,
		Status:          model.SessionStatusWaiting,
		CodeExpiresAt:   params.CodeExpiresAt,
		LastHeartbeatAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.sessions[s.ID] = s
	return copySession(s), nil
}

func (r *MemoryPairingSessionRepository) FindByTokenHash(ctx context.Context, tokenHash string) (*model.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.TokenHash == tokenHash {
			return copySession(s), nil
		}
	}
	return nil, nil
}

// waitingHolderLocked reports whether a waiting session other than
// exceptID holds code. Mirrors the partial unique index in Postgres:
// expiry does not release a code, only refresh, claim, or the reaper.
func (r *MemoryPairingSessionRepository) waitingHolderLocked(code, exceptID string) bool {
	for _, s := range r.sessions {
		if s.ID != exceptID && s.Code == code && s.Status == model.SessionStatusWaiting {
			return true
		}
	}
	return false
}

func (r *MemoryPairingSessionRepository) FindByCode(ctx context.Context, code string) (*model.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *model.PairingSession
	for _, s := range r.sessions {
		if s.Code != code {
			continue
		}
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copySession(latest), nil
}

func (r *MemoryPairingSessionRepository) ClaimByCode(ctx context.Context, code, campaignID string, now time.Time) (*model.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.Code != code || s.Status != model.SessionStatusWaiting || !s.CodeExpiresAt.After(now) {
			continue
		}
		s.Status = model.SessionStatusPaired
		s.CampaignID = &campaignID
		paired := now
		s.PairedAt = &paired
		s.LastHeartbeatAt = now
		s.UpdatedAt = now
		return copySession(s), nil
	}
	return nil, nil
}

func (r *MemoryPairingSessionRepository) RefreshCode(ctx context.Context, id, code string, expiresAt, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Status != model.SessionStatusWaiting {
		return false, nil
	}
	if r.waitingHolderLocked(code, id) {
		return false, ErrCodeTaken
	}
	s.Code = code
	s.CodeExpiresAt = expiresAt
	s.UpdatedAt = now
	return true, nil
}

func (r *MemoryPairingSessionRepository) Touch(ctx context.Context, tokenHash string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.TokenHash != tokenHash {
			continue
		}
		if s.Status == model.SessionStatusDisconnected {
			return false, nil
		}
		s.LastHeartbeatAt = at
		s.UpdatedAt = at
		return true, nil
	}
	return false, nil
}

func (r *MemoryPairingSessionRepository) MarkDisconnected(ctx context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok && s.Status != model.SessionStatusDisconnected {
		s.Status = model.SessionStatusDisconnected
		s.UpdatedAt = now
	}
	return nil
}

func (r *MemoryPairingSessionRepository) FindStale(ctx context.Context, olderThan time.Time) ([]model.PairingSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []model.PairingSession
	for _, s := range r.sessions {
		if s.Status == model.SessionStatusDisconnected {
			continue
		}
		if s.LastHeartbeatAt.Before(olderThan) {
			stale = append(stale, *copySession(s))
		}
	}
	return stale, nil
}

func (r *MemoryPairingSessionRepository) DeleteDisconnected(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var count int64
	for id, s := range r.sessions {
		if s.Status == model.SessionStatusDisconnected && s.UpdatedAt.Before(olderThan) {
			delete(r.sessions, id)
			count++
		}
	}
	return count, nil
}

func copySession(s *model.PairingSession) *model.PairingSession {
	cp := *s
	if s.CampaignID != nil {
		id := *s.CampaignID
		cp.CampaignID = &id
	}
	if s.PairedAt != nil {
		at := *s.PairedAt
		cp.PairedAt = &at
	}
	return &cp
}

type MemoryCampaignRepository struct {
	mu        sync.Mutex
	campaigns map[string]model.Campaign
}

func NewMemoryCampaignRepository() *MemoryCampaignRepository {
	return &MemoryCampaignRepository{campaigns: make(map[string]model.Campaign)}
}

func (r *MemoryCampaignRepository) Find(ctx context.Context, id string) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *MemoryCampaignRepository) Create(ctx context.Context, name string) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := model.Campaign{ID: uuid.NewString(), Name: name, CreatedAt: time.Now()}
	r.campaigns[c.ID] = c
	return &c, nil
}

// Seed inserts a campaign with a fixed id, for tests.
func (r *MemoryCampaignRepository) Seed(c model.Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
}

type stateKey struct {
	characterID string
	fieldGroup  model.FieldGroup
}

type MemoryCharacterRepository struct {
	mu         sync.Mutex
	characters map[string]model.Character
	state      map[stateKey]model.CharacterState
}

func NewMemoryCharacterRepository() *MemoryCharacterRepository {
	return &MemoryCharacterRepository{
		characters: make(map[string]model.Character),
		state:      make(map[stateKey]model.CharacterState),
	}
}

func (r *MemoryCharacterRepository) Find(ctx context.Context, id string) (*model.Character, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.characters[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *MemoryCharacterRepository) Create(ctx context.Context, campaignID, name string, maxHP int64) (*model.Character, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := model.Character{
		ID:         uuid.NewString(),
		CampaignID: campaignID,
		Name:       name,
		MaxHP:      maxHP,
		CreatedAt:  time.Now(),
	}
	r.characters[c.ID] = c
	return &c, nil
}

func (r *MemoryCharacterRepository) GetState(ctx context.Context, characterID string, fg model.FieldGroup) (*model.CharacterState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.state[stateKey{characterID, fg}]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (r *MemoryCharacterRepository) MutateState(ctx context.Context, characterID string, fg model.FieldGroup, apply ApplyFunc, now time.Time) (*model.CharacterState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := stateKey{characterID, fg}
	var cur json.RawMessage
	var seq int64
	if st, ok := r.state[key]; ok {
		cur = st.Value
		seq = st.Seq
	}

	next, err := apply(cur)
	if err != nil {
		return nil, err
	}

	st := model.CharacterState{
		CharacterID: characterID,
		FieldGroup:  fg,
		Value:       next,
		Seq:         seq + 1,
		UpdatedAt:   now,
	}
	r.state[key] = st
	return &st, nil
}

type presenceKey struct {
	campaignID string
	memberID   string
}

type MemoryPresenceStore struct {
	mu      sync.Mutex
	members map[presenceKey]model.PresenceMember
}

func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{members: make(map[presenceKey]model.PresenceMember)}
}

func (s *MemoryPresenceStore) Put(ctx context.Context, campaignID string, member model.PresenceMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[presenceKey{campaignID, member.ID}] = member
	return nil
}

func (s *MemoryPresenceStore) Remove(ctx context.Context, campaignID, memberID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := presenceKey{campaignID, memberID}
	if _, ok := s.members[key]; !ok {
		return false, nil
	}
	delete(s.members, key)
	return true, nil
}

func (s *MemoryPresenceStore) Touch(ctx context.Context, campaignID, memberID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := presenceKey{campaignID, memberID}
	member, ok := s.members[key]
	if !ok {
		return false, nil
	}
	member.LastSeenAt = at
	s.members[key] = member
	return true, nil
}

func (s *MemoryPresenceStore) List(ctx context.Context, campaignID string) ([]model.PresenceMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var members []model.PresenceMember
	for key, m := range s.members {
		if key.campaignID == campaignID {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

func (s *MemoryPresenceStore) Campaigns(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var ids []string
	for key := range s.members {
		if !seen[key.campaignID] {
			seen[key.campaignID] = true
			ids = append(ids, key.campaignID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

var (
	_ PairingSessionRepository = (*MemoryPairingSessionRepository)(nil)
	_ CampaignRepository       = (*MemoryCampaignRepository)(nil)
	_ CharacterRepository      = (*MemoryCharacterRepository)(nil)
	_ PresenceStore            = (*MemoryPresenceStore)(nil)
)
