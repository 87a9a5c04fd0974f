// Package resolve implements the fetch-and-insert-tags subroutine (C5):
// resolving a set of tag names referenced by an incoming post or post
// version to ids, fetching unknowns upstream and fabricating synthetic
// ids for names upstream does not recognize either.
//
// This lives apart from internal/danbooru because it needs both the
// fetcher and the store gateway, and internal/store already imports
// internal/danbooru for its row types.
package resolve

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"hoshino-sync/internal/danbooru"
	"hoshino-sync/internal/store"
)

// Tags resolves names to ids, inserting any previously-unseen tag along
// the way. It opens and commits its own transaction, independent of any
// transaction the caller is about to use to insert the posts or post
// versions that reference these names — the resolver's writes (real or
// synthetic tags) must be visible before that transaction starts.
//
// Names already present in the store resolve without a round trip; the
// rest are looked up upstream in chunks of at most danbooru.PageLimit
// names, fetched concurrently. A name the upstream does not recognize
// either — a typo, a since-renamed tag, a tag that did not exist when
// this snapshot was taken — gets a synthetic negative id instead of
// failing the whole ingest.
func Tags(ctx context.Context, client *danbooru.Client, st *store.Store, names []string, mode store.InsertMode) (map[string]int32, error) {
	unique := dedupe(names)
	if len(unique) == 0 {
		return map[string]int32{}, nil
	}

	tx, err := st.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve tags: begin tx: %w", err)
	}

	resolved, err := resolveInTx(ctx, client, st, tx, unique, mode)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("resolve tags: commit: %w", err)
	}

	return resolved, nil
}

func resolveInTx(ctx context.Context, client *danbooru.Client, st *store.Store, tx *sqlx.Tx, names []string, mode store.InsertMode) (map[string]int32, error) {
	resolved := make(map[string]int32, len(names))

	var unknown []string
	for _, n := range names {
		id, err := st.TagID(ctx, tx, n)
		if err != nil {
			return nil, fmt.Errorf("resolve tag %q: %w", n, err)
		}
		if id != 0 {
			resolved[n] = id
			continue
		}
		unknown = append(unknown, n)
	}

	if len(unknown) == 0 {
		return resolved, nil
	}

	fetched, err := fetchUpstream(ctx, client, unknown)
	if err != nil {
		return nil, err
	}

	var stillUnknown []string
	for _, n := range unknown {
		tag, ok := fetched[n]
		if !ok {
			stillUnknown = append(stillUnknown, n)
			continue
		}
		// post_count is recomputed by post-sync's own counting pass, not
		// trusted from the resolver's snapshot of the server's tag index.
		tag.PostCount = 0
		if _, err := st.InsertTag(ctx, tx, tag, mode); err != nil {
			return nil, fmt.Errorf("insert resolved tag %q: %w", n, err)
		}
		resolved[n] = tag.ID
	}

	if len(stillUnknown) > 0 {
		synthesized, err := synthesize(ctx, st, tx, stillUnknown)
		if err != nil {
			return nil, err
		}
		for n, id := range synthesized {
			resolved[n] = id
		}
	}

	return resolved, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// fetchUpstream chunks names into groups of at most danbooru.PageLimit
// and fetches each chunk concurrently, fanning the results in.
func fetchUpstream(ctx context.Context, client *danbooru.Client, names []string) (map[string]danbooru.Tag, error) {
	var chunks [][]string
	for i := 0; i < len(names); i += danbooru.PageLimit {
		end := i + danbooru.PageLimit
		if end > len(names) {
			end = len(names)
		}
		chunks = append(chunks, names[i:end])
	}

	futures := make([]<-chan danbooru.Result[[]danbooru.Tag], len(chunks))
	for i, chunk := range chunks {
		futures[i] = danbooru.TagsByNames(ctx, client, chunk)
	}

	found := make(map[string]danbooru.Tag)
	for _, f := range futures {
		r := <-f
		if r.Err != nil {
			return nil, fmt.Errorf("fetch tags by name: %w", r.Err)
		}
		for _, tag := range r.Value {
			found[tag.Name] = tag
		}
	}

	return found, nil
}

// synthesize allocates decreasing negative ids for names the upstream
// does not recognize. Synthetic tags always carry post_count 0,
// category general, not deprecated, and the zero timestamp, regardless
// of the caller's insert mode.
//
// Two resolvers racing on the same uncommitted synthetic-id range could
// collide; PostSync (C7) is the only caller of Tags and calls it
// sequentially on its own connection, so this is accepted and documented
// rather than guarded against with, say, a database sequence.
func synthesize(ctx context.Context, st *store.Store, tx *sqlx.Tx, names []string) (map[string]int32, error) {
	lowest, err := st.LowestTagTx(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("synthesize tags: %w", err)
	}

	next := lowest
	if next > 0 {
		next = 0
	}

	out := make(map[string]int32, len(names))
	for _, n := range names {
		next--
		tag := danbooru.Tag{
			ID:           next,
			Name:         n,
			PostCount:    0,
			Category:     danbooru.TagCategoryGeneral,
			IsDeprecated: false,
		}
		if _, err := st.InsertTag(ctx, tx, tag, store.InsertWeak); err != nil {
			return nil, fmt.Errorf("insert synthetic tag %q: %w", n, err)
		}
		out[n] = next
	}

	return out, nil
}
