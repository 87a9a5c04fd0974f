// Package tasks holds the two flagship ingestion pipelines: tag-catalog
// sync (C6) and post-stream sync (C7), each a task.Body closed over its
// own fetcher and store references.
package tasks

import (
	"context"
	"fmt"

	"hoshino-sync/internal/danbooru"
	"hoshino-sync/internal/store"
)

// TagSync walks the server's tag index forward from the last-seen id,
// inserting each page with weak-insert semantics, until a page comes
// back empty.
type TagSync struct {
	Client *danbooru.Client
	Store  *store.Store
}

// Run is a task.Body: it runs one full forward walk to catch up, then
// returns nil so the task runner sleeps until the next invocation.
func (s *TagSync) Run(ctx context.Context) error {
	cursor, err := s.Store.LatestTag(ctx)
	if err != nil {
		return fmt.Errorf("tag sync: latest tag: %w", err)
	}

	for ctx.Err() == nil {
		page, err := await(danbooru.Tags(ctx, s.Client, danbooru.After(cursorToPage(cursor)), danbooru.PageLimit))
		if err != nil {
			return fmt.Errorf("tag sync: fetch page after %d: %w", cursor, err)
		}

		if len(page) == 0 {
			return nil
		}

		for i := range page {
			// Authoritative recount deferred; post-sync increments this
			// locally and a future tag-sync run is the only thing that
			// would refresh it wholesale.
			page[i].PostCount = 0
		}

		if err := insertTagPage(ctx, s.Store, page); err != nil {
			return err
		}

		// The server returns tags in descending id order within a page,
		// so index 0 is the highest id seen this round.
		cursor = page[0].ID
	}

	return nil
}

func insertTagPage(ctx context.Context, st *store.Store, page []danbooru.Tag) error {
	tx, err := st.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tag sync: begin tx: %w", err)
	}

	for _, tag := range page {
		if _, err := st.InsertTag(ctx, tx, tag, store.InsertWeak); err != nil {
			tx.Rollback()
			return fmt.Errorf("tag sync: insert tag %q: %w", tag.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tag sync: commit: %w", err)
	}

	return nil
}

// cursorToPage clamps a high-water mark to a value page.After can encode;
// in practice the max(id) of tags is never negative, since synthetic tags
// never have the highest id in the table, but this keeps After from
// wrapping on an empty or synthetic-only table.
func cursorToPage(cursor int32) uint32 {
	if cursor < 0 {
		return 0
	}
	return uint32(cursor)
}

// await drains a single-value future, unpacking it into a plain
// (value, error) pair.
func await[T any](ch <-chan danbooru.Result[T]) (T, error) {
	r := <-ch
	return r.Value, r.Err
}
