package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	apperrors "github.com/torchlight-app/table-sync-go/internal/errors"
	"github.com/torchlight-app/table-sync-go/internal/model"
	"github.com/torchlight-app/table-sync-go/internal/repository"
	"github.com/torchlight-app/table-sync-go/internal/sse"
)

// Mutation is one change to a character's field group. Which fields apply
// depends on the group: delta for hp/xp/currency, add/remove for
// condition/inventory, set for notes.
type Mutation struct {
	FieldGroup model.FieldGroup `json:"fieldGroup"`
	Delta      *int64           `json:"delta,omitempty"`
	Add        string           `json:"add,omitempty"`
	Remove     string           `json:"remove,omitempty"`
	Set        *string          `json:"set,omitempty"`
}

// MutationResult carries the committed value and the sequence minted for
// it; clients feed both into their reconciler.
type MutationResult struct {
	CharacterID string           `json:"characterId"`
	FieldGroup  model.FieldGroup `json:"fieldGroup"`
	Value       json.RawMessage  `json:"value"`
	Sequence    int64            `json:"sequence"`
}

// CharacterService is the character store collaborator: it applies field
// mutations atomically, mints the per-(character, field group) sequence
// inside the same commit, and publishes the resulting broadcast event.
type CharacterService struct {
	characters repository.CharacterRepository
	publisher  sse.Publisher
	clock      clockwork.Clock
}

func NewCharacterService(
	characters repository.CharacterRepository,
	publisher sse.Publisher,
	clock clockwork.Clock,
) *CharacterService {
	return &CharacterService{
		characters: characters,
		publisher:  publisher,
		clock:      clock,
	}
}

func (s *CharacterService) Find(ctx context.Context, id string) (*model.Character, error) {
	character, err := s.characters.Find(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if character == nil {
		return nil, apperrors.NotFound("Character")
	}
	return character, nil
}

// Mutate applies the mutation and broadcasts the committed state to the
// character's campaign. The returned value may differ from the caller's
// optimistic guess (HP is clamped to [0, max], xp and currency to >= 0).
func (s *CharacterService) Mutate(ctx context.Context, characterID string, mut Mutation) (*MutationResult, error) {
	if !mut.FieldGroup.Valid() {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown field group %q", mut.FieldGroup))
	}

	character, err := s.Find(ctx, characterID)
	if err != nil {
		return nil, err
	}

	apply, err := buildApply(character, mut)
	if err != nil {
		return nil, err
	}

	state, err := s.characters.MutateState(ctx, characterID, mut.FieldGroup, apply, s.clock.Now())
	if err != nil {
		if apperrors.IsAppError(err) {
			return nil, err
		}
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("characterId", characterID).
		Str("fieldGroup", string(mut.FieldGroup)).
		Int64("seq", state.Seq).
		Msg("character state mutated")

	event := sse.Event{
		Type:        sse.TypeStateChanged,
		CharacterID: characterID,
		FieldGroup:  mut.FieldGroup,
		Value:       state.Value,
		Sequence:    state.Seq,
	}
	if err := s.publisher.Publish(ctx, character.CampaignID, event); err != nil {
		log.Warn().Err(err).Str("campaignId", character.CampaignID).Msg("failed to publish state change")
	}

	return &MutationResult{
		CharacterID: characterID,
		FieldGroup:  mut.FieldGroup,
		Value:       state.Value,
		Sequence:    state.Seq,
	}, nil
}

func buildApply(character *model.Character, mut Mutation) (repository.ApplyFunc, error) {
	switch mut.FieldGroup {
	case model.FieldGroupHP:
		if mut.Delta == nil {
			return nil, apperrors.MissingRequired("delta")
		}
		return numericApply(*mut.Delta, character.MaxHP, character.MaxHP), nil

	case model.FieldGroupXP:
		if mut.Delta == nil {
			return nil, apperrors.MissingRequired("delta")
		}
		return numericApply(*mut.Delta, 0, -1), nil

	case model.FieldGroupCurrency:
		if mut.Delta == nil {
			return nil, apperrors.MissingRequired("delta")
		}
		return numericApply(*mut.Delta, 0, -1), nil

	case model.FieldGroupCondition:
		if mut.Add == "" && mut.Remove == "" {
			return nil, apperrors.ValidationError("condition mutation needs add or remove")
		}
		return listApply(mut.Add, mut.Remove, true), nil

	case model.FieldGroupInventory:
		if mut.Add == "" && mut.Remove == "" {
			return nil, apperrors.ValidationError("inventory mutation needs add or remove")
		}
		return listApply(mut.Add, mut.Remove, false), nil

	case model.FieldGroupNotes:
		if mut.Set == nil {
			return nil, apperrors.MissingRequired("set")
		}
		text := *mut.Set
		return func(cur json.RawMessage) (json.RawMessage, error) {
			return json.Marshal(text)
		}, nil
	}
	return nil, apperrors.ValidationError("unknown field group")
}

// numericApply adds delta to the current value, starting from initial
// when the group was never written, and clamps to [0, max]. max < 0 means
// no upper bound.
func numericApply(delta, initial, max int64) repository.ApplyFunc {
	return func(cur json.RawMessage) (json.RawMessage, error) {
		value := initial
		if cur != nil {
			if err := json.Unmarshal(cur, &value); err != nil {
				return nil, fmt.Errorf("decode current value: %w", err)
			}
		}

		value += delta
		if value < 0 {
			value = 0
		}
		if max >= 0 && value > max {
			value = max
		}
		return json.Marshal(value)
	}
}

// listApply adds and/or removes an entry. unique dedupes on add
// (conditions); inventory allows duplicates and remove drops one match.
func listApply(add, remove string, unique bool) repository.ApplyFunc {
	return func(cur json.RawMessage) (json.RawMessage, error) {
		var items []string
		if cur != nil {
			if err := json.Unmarshal(cur, &items); err != nil {
				return nil, fmt.Errorf("decode current value: %w", err)
			}
		}

		if remove != "" {
			for i, item := range items {
				if item == remove {
					items = append(items[:i], items[i+1:]...)
					break
				}
			}
		}

		if add != "" {
			present := false
			if unique {
				for _, item := range items {
					if item == add {
						present = true
						break
					}
				}
			}
			if !present {
				items = append(items, add)
			}
		}

		return json.Marshal(items)
	}
}
