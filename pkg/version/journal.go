package version

import (
	"context"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tundradb/tundra/pkg/codec"
	"github.com/tundradb/tundra/pkg/errors"
	"github.com/tundradb/tundra/pkg/keys"
)

// Symbol-list journal. Each write or delete of a symbol appends one small
// journal entry; listing symbols compacts the journal in memory instead
// of scanning every version ref. The journal is advisory, so a lost entry
// degrades listing, never reads.

type journalAction string

const (
	journalAdd    journalAction = "add"
	journalDelete journalAction = "delete"
)

type journalEntry struct {
	Action journalAction `json:"action"`
}

// RecordSymbol journals that a symbol exists
func (ix *Index) RecordSymbol(ctx context.Context, stream keys.StreamID) error {
	return ix.appendJournal(ctx, stream, journalAdd)
}

// RecordSymbolDeleted journals that a symbol was deleted
func (ix *Index) RecordSymbolDeleted(ctx context.Context, stream keys.StreamID) error {
	return ix.appendJournal(ctx, stream, journalDelete)
}

func (ix *Index) appendJournal(ctx context.Context, stream keys.StreamID, action journalAction) error {
	data, err := json.Marshal(journalEntry{Action: action})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode journal entry")
	}
	key := keys.AtomKey{
		Stream:      stream,
		Type:        keys.SymbolList,
		CreationTS:  time.Now().UnixNano(),
		ContentHash: codec.Hash(data),
	}
	return ix.backend.Put(ctx, key.Path(), data, true)
}

// ListSymbols compacts the journal and returns the live symbols, sorted
// by their rendered ids. The newest entry per symbol wins; symbols whose
// newest entry is a delete are omitted.
func (ix *Index) ListSymbols(ctx context.Context) ([]keys.StreamID, error) {
	type latest struct {
		ts     int64
		action journalAction
	}
	newest := make(map[string]latest)

	err := ix.backend.List(ctx, keys.TypePrefix(keys.SymbolList), func(path string) bool {
		key, err := keys.ParseAtomKey(path)
		if err != nil {
			return true
		}
		cur, ok := newest[key.Stream.String()]
		if ok && cur.ts >= key.CreationTS {
			return true
		}
		data, err := ix.backend.Get(ctx, path)
		if err != nil {
			return true // entry raced away; the journal is advisory
		}
		var entry journalEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return true
		}
		newest[key.Stream.String()] = latest{ts: key.CreationTS, action: entry.Action}
		return true
	})
	if err != nil {
		return nil, err
	}

	rendered := make([]string, 0, len(newest))
	for id, l := range newest {
		if l.action == journalAdd {
			rendered = append(rendered, id)
		}
	}
	sort.Strings(rendered)

	out := make([]keys.StreamID, 0, len(rendered))
	for _, id := range rendered {
		stream, err := keys.ParseStreamID(id)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCorrupt, "journal carries an unparseable stream id")
		}
		out = append(out, stream)
	}
	return out, nil
}

// CompactJournal deletes journal entries superseded by newer ones for the
// same symbol. Safe to run concurrently with writers: only strictly older
// entries are removed.
func (ix *Index) CompactJournal(ctx context.Context) (int, error) {
	newestTS := make(map[string]int64)
	var paths []string
	err := ix.backend.List(ctx, keys.TypePrefix(keys.SymbolList), func(path string) bool {
		key, err := keys.ParseAtomKey(path)
		if err != nil {
			return true
		}
		paths = append(paths, path)
		if key.CreationTS > newestTS[key.Stream.String()] {
			newestTS[key.Stream.String()] = key.CreationTS
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, path := range paths {
		key, err := keys.ParseAtomKey(path)
		if err != nil {
			continue
		}
		if key.CreationTS < newestTS[key.Stream.String()] {
			if err := ix.backend.Delete(ctx, path); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}
