package contacts

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t1 = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
	t3 = t2.Add(time.Hour)
)

type fakeSource struct {
	direct    []models.DirectContact
	groups    []models.GroupContact
	directErr error
	groupErr  error
	inFlight  atomic.Int32
	maxFlight atomic.Int32
}

func (f *fakeSource) track() func() {
	n := f.inFlight.Add(1)
	for {
		m := f.maxFlight.Load()
		if n <= m || f.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeSource) DirectContacts(ctx context.Context, userID string) ([]models.DirectContact, error) {
	defer f.track()()
	return f.direct, f.directErr
}

func (f *fakeSource) Groups(ctx context.Context, userID string) ([]models.GroupContact, error) {
	defer f.track()()
	return f.groups, f.groupErr
}

type onlineSet map[string]bool

func (s onlineSet) IsOnline(userID string) bool { return s[userID] }

func ids(cs []models.Contact) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}
	return out
}

func TestMergeSortsByUpdatedAtDescending(t *testing.T) {
	direct := []models.DirectContact{{ID: "1", Counterpart: models.UserRef{ID: "bob", Username: "bob"}, UpdatedAt: t2}}
	groups := []models.GroupContact{{ID: "2", Name: "team", UpdatedAt: t1}}

	merged := Merge(direct, groups, nil)
	assert.Equal(t, []string{"1", "2"}, ids(merged))
	assert.Equal(t, models.ContactKindDirect, merged[0].Kind)
	assert.Equal(t, "bob", merged[0].Name)
	assert.Equal(t, models.ContactKindGroup, merged[1].Kind)

	assert.Equal(t, []string{"2"}, ids(Merge(nil, groups, nil)))
}

func TestMergeIsStableForEqualTimestamps(t *testing.T) {
	direct := []models.DirectContact{
		{ID: "d1", UpdatedAt: t1},
		{ID: "d2", UpdatedAt: t1},
	}
	groups := []models.GroupContact{
		{ID: "g1", UpdatedAt: t1},
		{ID: "g2", UpdatedAt: t3},
	}
	assert.Equal(t, []string{"g2", "d1", "d2", "g1"}, ids(Merge(direct, groups, nil)))
}

func TestMergeDropsDuplicateIDs(t *testing.T) {
	direct := []models.DirectContact{{ID: "x", UpdatedAt: t1}}
	groups := []models.GroupContact{{ID: "x", Name: "newer", UpdatedAt: t2}}

	merged := Merge(direct, groups, nil)
	require.Len(t, merged, 1)
	assert.Equal(t, "newer", merged[0].Name)
}

func TestMergePresenceBadges(t *testing.T) {
	direct := []models.DirectContact{{ID: "1", Counterpart: models.UserRef{ID: "bob"}, UpdatedAt: t2}}
	groups := []models.GroupContact{{
		ID:        "2",
		Members:   []models.UserRef{{ID: "bob"}, {ID: "carol"}, {ID: "dave"}},
		UpdatedAt: t1,
	}}

	merged := Merge(direct, groups, onlineSet{"bob": true, "dave": true})
	assert.True(t, merged[0].Online)
	assert.True(t, merged[1].Online)
	assert.Equal(t, 2, merged[1].OnlineMembers)

	merged = Merge(direct, groups, onlineSet{})
	assert.False(t, merged[0].Online)
	assert.False(t, merged[1].Online)
}

func TestRefreshFetchesHalvesConcurrently(t *testing.T) {
	src := &fakeSource{
		direct: []models.DirectContact{{ID: "1", UpdatedAt: t2}},
		groups: []models.GroupContact{{ID: "2", UpdatedAt: t1}},
	}
	cache := NewCache(src, nil, time.Second)

	require.NoError(t, cache.Refresh(context.Background(), "alice"))
	assert.Equal(t, int32(2), src.maxFlight.Load())
	assert.Equal(t, []string{"1", "2"}, ids(cache.Merged("alice")))
}

func TestRefreshDegradesFailedHalfToEmpty(t *testing.T) {
	boom := errors.New("boom")
	src := &fakeSource{
		direct:    []models.DirectContact{{ID: "1", UpdatedAt: t2}},
		groups:    []models.GroupContact{{ID: "2", UpdatedAt: t1}},
		directErr: boom,
	}
	cache := NewCache(src, nil, 0)

	err := cache.Refresh(context.Background(), "alice")
	var partial *PartialFetchError
	require.ErrorAs(t, err, &partial)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, partial.GroupErr)
	assert.Equal(t, []string{"2"}, ids(cache.Merged("alice")))

	src.groupErr = boom
	assert.Error(t, cache.Refresh(context.Background(), "alice"))
	assert.Empty(t, cache.Merged("alice"))
}

func TestRefreshAndMergeReturnsPartialError(t *testing.T) {
	src := &fakeSource{
		direct:   []models.DirectContact{{ID: "1", UpdatedAt: t2}},
		groupErr: errors.New("groups down"),
	}
	cache := NewCache(src, nil, 0)

	merged, err := cache.RefreshAndMerge(context.Background(), "alice")
	var partial *PartialFetchError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{"groups"}, partial.Halves())
	assert.Equal(t, []string{"1"}, ids(merged))

	src.directErr = errors.New("direct down")
	merged, err = cache.RefreshAndMerge(context.Background(), "alice")
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{"direct", "groups"}, partial.Halves())
	assert.NotNil(t, merged)
	assert.Empty(t, merged)
}

func TestMergedBeforeRefreshIsEmpty(t *testing.T) {
	cache := NewCache(&fakeSource{}, nil, 0)
	merged := cache.Merged("nobody")
	assert.NotNil(t, merged)
	assert.Empty(t, merged)
}

func TestRefreshReplacesStaleOrdering(t *testing.T) {
	src := &fakeSource{
		direct: []models.DirectContact{{ID: "1", UpdatedAt: t2}},
		groups: []models.GroupContact{{ID: "2", UpdatedAt: t1}},
	}
	cache := NewCache(src, nil, 0)
	cache.Refresh(context.Background(), "alice")
	assert.Equal(t, []string{"1", "2"}, ids(cache.Merged("alice")))

	src.groups = []models.GroupContact{{ID: "2", UpdatedAt: t3}}
	assert.Equal(t, []string{"1", "2"}, ids(cache.Merged("alice")), "merged reads the last refresh only")

	merged, err := cache.RefreshAndMerge(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "1"}, ids(merged))

	cache.Invalidate("alice")
	assert.Empty(t, cache.Merged("alice"))
}
