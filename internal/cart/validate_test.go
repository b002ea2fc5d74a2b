package cart

import (
	"encoding/json"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/storefront-core/internal/model"
	"github.com/fairyhunter13/storefront-core/internal/storage"
)

// seeded opens a store over persisted lines that bypass Add's checks.
func seeded(t *testing.T, lines []model.CartLine) *Store {
	t.Helper()
	kv := storage.NewMemory()
	b, err := json.Marshal(lines)
	require.NoError(t, err)
	require.NoError(t, kv.Set(DefaultKey, string(b)))
	return Open(kv, DefaultKey)
}

func TestValidationErrorsOrder(t *testing.T) {
	s := seeded(t, []model.CartLine{
		{ProductID: "ok", Name: "Fine", Price: price(2), Quantity: 1},
		{Quantity: 0},
		{ProductID: "big", Name: "Big", Quantity: 120, Price: price(1)},
		{ProductID: "free", Name: "Free", Quantity: 1, Price: price(0)},
	})
	got := slices.Collect(s.ValidationErrors())
	want := []string{
		"item 2: missing product id",
		"item 2: missing name",
		"item 2: invalid quantity 0",
		"item 2: missing price",
		"item 3 (Big): quantity 120 exceeds maximum of 99",
		"item 4 (Free): missing price",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("validation errors (-want +got):\n%s", diff)
	}
	assert.False(t, s.IsValid())
}

func TestIsValidMatchesErrors(t *testing.T) {
	valid := seeded(t, []model.CartLine{
		{ProductID: "a", Name: "A", Price: price(1), Quantity: 99},
		{ProductID: "b", Name: "B", PointsCost: price(3), Quantity: 1},
	})
	assert.True(t, valid.IsValid())
	assert.Empty(t, slices.Collect(valid.ValidationErrors()))

	invalid := seeded(t, []model.CartLine{{ProductID: "a", Name: "A", Quantity: 1}})
	assert.False(t, invalid.IsValid())
	assert.Len(t, slices.Collect(invalid.ValidationErrors()), 1)
}

func TestValidationErrorsLazy(t *testing.T) {
	s := seeded(t, []model.CartLine{{}, {}, {}})
	n := 0
	for range s.ValidationErrors() {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
	// each call starts a fresh sequence
	assert.Len(t, slices.Collect(s.ValidationErrors()), 12)
}

func TestAddWithoutNameIsInvalid(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Add(model.Product{ID: "n", Price: price(1)}))
	assert.Equal(t, []string{"item 1: missing name"}, slices.Collect(s.ValidationErrors()))
}
