package tasks

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"hoshino-sync/internal/danbooru"
	"hoshino-sync/internal/resolve"
	"hoshino-sync/internal/store"
)

// PostSync walks the server's post stream forward from the last-seen
// id, resolving referenced tags, and inserting each post's media_asset
// and post row in one transaction per page. It additionally walks
// post_versions for the page's post ids and persists those rows in the
// same commit.
type PostSync struct {
	Client *danbooru.Client
	Store  *store.Store
}

// Run is a task.Body: it runs one full forward walk to catch up, then
// returns nil so the task runner sleeps until the next invocation.
func (s *PostSync) Run(ctx context.Context) error {
	cursor, err := s.Store.LatestPost(ctx)
	if err != nil {
		return fmt.Errorf("post sync: latest post: %w", err)
	}

	for ctx.Err() == nil {
		posts, err := await(danbooru.Posts(ctx, s.Client, danbooru.After(cursorToPage(cursor)), danbooru.PostLimit))
		if err != nil {
			return fmt.Errorf("post sync: fetch page after %d: %w", cursor, err)
		}

		if len(posts) == 0 {
			return nil
		}

		sort.Slice(posts, func(i, j int) bool { return posts[i].ID < posts[j].ID })

		tagIDs, err := resolve.Tags(ctx, s.Client, s.Store, postTagNames(posts), store.InsertOverwrite)
		if err != nil {
			return fmt.Errorf("post sync: resolve post tags: %w", err)
		}

		tagCounts := make(map[int32]int32, len(tagIDs))
		for _, id := range tagIDs {
			tagCounts[id] = 0
		}

		versions, err := fetchPostVersions(ctx, s.Client, posts)
		if err != nil {
			return fmt.Errorf("post sync: fetch post versions: %w", err)
		}

		versionTagIDs, err := resolve.Tags(ctx, s.Client, s.Store, versionTagNames(versions), store.InsertOverwrite)
		if err != nil {
			return fmt.Errorf("post sync: resolve post version tags: %w", err)
		}

		if err := insertPostBatch(ctx, s.Store, posts, tagIDs, tagCounts, versions, versionTagIDs); err != nil {
			return err
		}

		cursor, err = s.Store.LatestPost(ctx)
		if err != nil {
			return fmt.Errorf("post sync: latest post: %w", err)
		}
	}

	return nil
}

// postTagNames returns the deduplicated union of every post's
// whitespace-split tag_string.
func postTagNames(posts []danbooru.APIPost) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, p := range posts {
		for _, t := range strings.Fields(p.TagString) {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			names = append(names, t)
		}
	}
	return names
}

func versionTagNames(versions []danbooru.APIPostVersion) []string {
	seen := make(map[string]struct{})
	var names []string
	add := func(n string) {
		if n == "" {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		names = append(names, n)
	}
	for _, v := range versions {
		for _, n := range v.AddedTags {
			add(n)
		}
		for _, n := range v.RemovedTags {
			add(n)
		}
	}
	return names
}

// fetchPostVersions walks post_versions forward with page_selector::after,
// restricted to the batch's post ids via search.post_id, until a page
// comes back empty — mirroring fetch_posts.cpp's get_sorted_post_versions.
func fetchPostVersions(ctx context.Context, client *danbooru.Client, posts []danbooru.APIPost) ([]danbooru.APIPostVersion, error) {
	ids := make([]string, len(posts))
	for i, p := range posts {
		ids[i] = strconv.Itoa(int(p.ID))
	}
	idString := strings.Join(ids, ",")

	var all []danbooru.APIPostVersion
	var latest int32
	for {
		page, err := await(danbooru.PostVersions(ctx, client, danbooru.After(cursorToPage(latest)), danbooru.PageLimit, idString))
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })
		latest = page[len(page)-1].ID
		all = append(all, page...)
	}

	return all, nil
}

func insertPostBatch(
	ctx context.Context,
	st *store.Store,
	posts []danbooru.APIPost,
	tagIDs map[string]int32,
	tagCounts map[int32]int32,
	versions []danbooru.APIPostVersion,
	versionTagIDs map[string]int32,
) error {
	tx, err := st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("post sync: begin tx: %w", err)
	}

	for _, src := range posts {
		ids := make([]int32, 0, len(strings.Fields(src.TagString)))
		for _, name := range strings.Fields(src.TagString) {
			id, ok := tagIDs[name]
			if !ok {
				tx.Rollback()
				return fmt.Errorf("post sync: tag %q unresolved for post %d", name, src.ID)
			}
			ids = append(ids, id)
			tagCounts[id]++
		}

		if _, err := st.InsertMediaAsset(ctx, tx, src.MediaAsset); err != nil {
			tx.Rollback()
			return fmt.Errorf("post sync: insert media asset for post %d: %w", src.ID, err)
		}

		post := danbooru.Post{
			ID:          src.ID,
			UploaderID:  src.UploaderID,
			ApproverID:  src.ApproverID,
			Tags:        ids,
			Rating:      src.Rating,
			Parent:      src.ParentID,
			Source:      src.Source,
			MediaAsset:  src.MediaAsset.ID,
			FavCount:    src.FavCount,
			HasChildren: src.HasChildren,
			UpScore:     src.UpScore,
			DownScore:   src.DownScore,
			IsPending:   src.IsPending,
			IsFlagged:   src.IsFlagged,
			IsDeleted:   src.IsDeleted,
			IsBanned:    src.IsBanned,
			PixivID:     src.PixivID,
			BitFlags:    src.BitFlags,
			LastComment: src.LastCommentedAt,
			LastBump:    src.LastCommentBumpedAt,
			LastNote:    src.LastNotedAt,
			CreatedAt:   src.CreatedAt,
			UpdatedAt:   src.UpdatedAt,
		}

		if _, err := st.InsertPost(ctx, tx, post); err != nil {
			tx.Rollback()
			return fmt.Errorf("post sync: insert post %d: %w", src.ID, err)
		}
	}

	for _, v := range versions {
		pv, err := buildPostVersion(v, versionTagIDs)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := st.InsertPostVersion(ctx, tx, pv); err != nil {
			tx.Rollback()
			return fmt.Errorf("post sync: insert post_version %d: %w", v.ID, err)
		}
	}

	for id, count := range tagCounts {
		if err := st.IncrementPostCount(ctx, tx, id, count); err != nil {
			tx.Rollback()
			return fmt.Errorf("post sync: increment post_count for tag %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("post sync: commit: %w", err)
	}

	return nil
}

func buildPostVersion(v danbooru.APIPostVersion, tagIDs map[string]int32) (danbooru.PostVersion, error) {
	added, err := namesToIDs(v.AddedTags, tagIDs)
	if err != nil {
		return danbooru.PostVersion{}, fmt.Errorf("post_version %d added_tags: %w", v.ID, err)
	}
	removed, err := namesToIDs(v.RemovedTags, tagIDs)
	if err != nil {
		return danbooru.PostVersion{}, fmt.Errorf("post_version %d removed_tags: %w", v.ID, err)
	}

	var updaterID int32
	if v.UpdaterID != nil {
		updaterID = *v.UpdaterID
	}

	pv := danbooru.PostVersion{
		ID:          v.ID,
		PostID:      v.PostID,
		UpdaterID:   updaterID,
		UpdatedAt:   v.UpdatedAt,
		Version:     v.Version,
		AddedTags:   added,
		RemovedTags: removed,
	}

	if v.RatingChanged {
		pv.NewRating = v.Rating
	}
	if v.ParentChanged {
		pv.NewParent = v.ParentID
	}
	if v.SourceChanged && v.Source != "" {
		pv.NewSource = &v.Source
	}

	return pv, nil
}

func namesToIDs(names []string, tagIDs map[string]int32) ([]int32, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ids := make([]int32, 0, len(names))
	for _, n := range names {
		id, ok := tagIDs[n]
		if !ok {
			return nil, fmt.Errorf("tag %q unresolved", n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
