package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hoshino-sync/internal/danbooru"
)

func TestCursorToPage(t *testing.T) {
	assert.Equal(t, uint32(0), cursorToPage(-5))
	assert.Equal(t, uint32(0), cursorToPage(0))
	assert.Equal(t, uint32(12), cursorToPage(12))
}

func TestPostTagNames_DedupesAcrossPosts(t *testing.T) {
	posts := []danbooru.APIPost{
		{ID: 1, TagString: "a b c"},
		{ID: 2, TagString: "b c d"},
	}

	names := postTagNames(posts)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, names)
}

func TestVersionTagNames_CollectsAddedAndRemoved(t *testing.T) {
	versions := []danbooru.APIPostVersion{
		{AddedTags: []string{"a", "b"}, RemovedTags: []string{"c"}},
		{AddedTags: []string{"b"}},
	}

	names := versionTagNames(versions)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, names)
}

func TestNamesToIDs(t *testing.T) {
	tagIDs := map[string]int32{"a": 1, "b": 2}

	ids, err := namesToIDs([]string{"a", "b"}, tagIDs)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, ids)

	ids, err = namesToIDs(nil, tagIDs)
	require.NoError(t, err)
	assert.Nil(t, ids)

	_, err = namesToIDs([]string{"missing"}, tagIDs)
	assert.Error(t, err)
}

func TestBuildPostVersion_OnlyChangedFieldsSet(t *testing.T) {
	tagIDs := map[string]int32{"a": 1, "b": 2}
	parent := int32(99)
	updater := int32(5)

	v := danbooru.APIPostVersion{
		ID:            10,
		PostID:        20,
		UpdaterID:     &updater,
		Version:       2,
		AddedTags:     []string{"a"},
		RemovedTags:   []string{"b"},
		RatingChanged: false,
		ParentChanged: true,
		ParentID:      &parent,
		SourceChanged: false,
		Source:        "",
	}

	pv, err := buildPostVersion(v, tagIDs)
	require.NoError(t, err)

	assert.Equal(t, int32(5), pv.UpdaterID)
	assert.Equal(t, []int32{1}, pv.AddedTags)
	assert.Equal(t, []int32{2}, pv.RemovedTags)
	assert.Nil(t, pv.NewRating)
	require.NotNil(t, pv.NewParent)
	assert.Equal(t, int32(99), *pv.NewParent)
	assert.Nil(t, pv.NewSource)
}

func TestBuildPostVersion_AnonymousUpdaterDefaultsToZero(t *testing.T) {
	v := danbooru.APIPostVersion{ID: 1, PostID: 2}

	pv, err := buildPostVersion(v, map[string]int32{})
	require.NoError(t, err)
	assert.Equal(t, int32(0), pv.UpdaterID)
}
