package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/torchlight-app/table-sync-go/internal/errors"
	"github.com/torchlight-app/table-sync-go/internal/model"
	"github.com/torchlight-app/table-sync-go/internal/repository"
	"github.com/torchlight-app/table-sync-go/internal/sse"
)

type characterFixture struct {
	svc       *CharacterService
	repo      *repository.MemoryCharacterRepository
	publisher *recordingPublisher
	hero      *model.Character
}

func newCharacterFixture(t *testing.T) *characterFixture {
	t.Helper()

	repo := repository.NewMemoryCharacterRepository()
	publisher := &recordingPublisher{}
	clock := clockwork.NewFakeClock()

	hero, err := repo.Create(context.Background(), "camp-1", "Brynn", 30)
	require.NoError(t, err)

	return &characterFixture{
		svc:       NewCharacterService(repo, publisher, clock),
		repo:      repo,
		publisher: publisher,
		hero:      hero,
	}
}

func delta(n int64) *int64 { return &n }

func intValue(t *testing.T, raw json.RawMessage) int64 {
	t.Helper()
	var v int64
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func listValue(t *testing.T, raw json.RawMessage) []string {
	t.Helper()
	var v []string
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestMutateHPStartsFromMax(t *testing.T) {
	f := newCharacterFixture(t)

	result, err := f.svc.Mutate(context.Background(), f.hero.ID, Mutation{
		FieldGroup: model.FieldGroupHP,
		Delta:      delta(-12),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 18, intValue(t, result.Value))
	assert.EqualValues(t, 1, result.Sequence)
}

func TestMutateHPClampsToZeroAndMax(t *testing.T) {
	f := newCharacterFixture(t)
	ctx := context.Background()

	result, err := f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: model.FieldGroupHP, Delta: delta(-100)})
	require.NoError(t, err)
	assert.EqualValues(t, 0, intValue(t, result.Value))

	result, err = f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: model.FieldGroupHP, Delta: delta(999)})
	require.NoError(t, err)
	assert.EqualValues(t, 30, intValue(t, result.Value))
}

func TestMutateSequencesIncreasePerKey(t *testing.T) {
	f := newCharacterFixture(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		result, err := f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: model.FieldGroupXP, Delta: delta(50)})
		require.NoError(t, err)
		assert.Equal(t, want, result.Sequence)
	}

	// a different field group has its own sequence
	result, err := f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: model.FieldGroupHP, Delta: delta(-1)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Sequence)
}

func TestMutateConditionsAreUnique(t *testing.T) {
	f := newCharacterFixture(t)
	ctx := context.Background()

	_, err := f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: model.FieldGroupCondition, Add: "poisoned"})
	require.NoError(t, err)
	result, err := f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: model.FieldGroupCondition, Add: "poisoned"})
	require.NoError(t, err)
	assert.Equal(t, []string{"poisoned"}, listValue(t, result.Value))

	result, err = f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: model.FieldGroupCondition, Remove: "poisoned"})
	require.NoError(t, err)
	assert.Empty(t, listValue(t, result.Value))
}

func TestMutateInventoryAllowsDuplicates(t *testing.T) {
	f := newCharacterFixture(t)
	ctx := context.Background()

	_, err := f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: model.FieldGroupInventory, Add: "torch"})
	require.NoError(t, err)
	result, err := f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: model.FieldGroupInventory, Add: "torch"})
	require.NoError(t, err)
	assert.Equal(t, []string{"torch", "torch"}, listValue(t, result.Value))

	// remove drops one copy, not all
	result, err = f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: model.FieldGroupInventory, Remove: "torch"})
	require.NoError(t, err)
	assert.Equal(t, []string{"torch"}, listValue(t, result.Value))
}

func TestMutateNotesSetsText(t *testing.T) {
	f := newCharacterFixture(t)

	text := "met the hermit at the crossroads"
	result, err := f.svc.Mutate(context.Background(), f.hero.ID, Mutation{
		FieldGroup: model.FieldGroupNotes,
		Set:        &text,
	})
	require.NoError(t, err)

	var got string
	require.NoError(t, json.Unmarshal(result.Value, &got))
	assert.Equal(t, text, got)
}

func TestMutateValidation(t *testing.T) {
	f := newCharacterFixture(t)
	ctx := context.Background()

	_, err := f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: "mana", Delta: delta(1)})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err))

	_, err = f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: model.FieldGroupHP})
	assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))

	_, err = f.svc.Mutate(ctx, f.hero.ID, Mutation{FieldGroup: model.FieldGroupCondition})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetCode(err))

	_, err = f.svc.Mutate(ctx, "nope", Mutation{FieldGroup: model.FieldGroupHP, Delta: delta(1)})
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
}

func TestMutatePublishesStateChanged(t *testing.T) {
	f := newCharacterFixture(t)

	result, err := f.svc.Mutate(context.Background(), f.hero.ID, Mutation{
		FieldGroup: model.FieldGroupHP,
		Delta:      delta(-5),
	})
	require.NoError(t, err)

	events := f.publisher.byType(sse.TypeStateChanged)
	require.Len(t, events, 1)
	assert.Equal(t, "camp-1", events[0].campaignID)
	assert.Equal(t, f.hero.ID, events[0].event.CharacterID)
	assert.Equal(t, model.FieldGroupHP, events[0].event.FieldGroup)
	assert.Equal(t, result.Sequence, events[0].event.Sequence)
	assert.Equal(t, result.Value, events[0].event.Value)
}
