package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// loadMemoryDoc reads memory.json, returning an empty document when absent.
func (s *Store) loadMemoryDoc() (*memoryDoc, error) {
	var doc memoryDoc
	if err := s.readJSON(MemoryFile, &doc); err != nil {
		if isNotFound(err) {
			return &memoryDoc{}, nil
		}
		return nil, err
	}
	return &doc, nil
}

func (s *Store) saveMemoryDoc(doc *memoryDoc) error {
	return s.writeJSON(MemoryFile, doc)
}

// UpsertMemory inserts or replaces the (scope, key) entry. An upsert clears
// any stale flag and refreshes the source iteration.
func (s *Store) UpsertMemory(scope MemoryScope, key string, value json.RawMessage, sourceIteration int) error {
	if !scope.Valid() {
		return fmt.Errorf("unknown memory scope %q", scope)
	}
	if key == "" {
		return fmt.Errorf("memory key is required")
	}
	doc, err := s.loadMemoryDoc()
	if err != nil {
		return err
	}
	entry := MemoryEntry{
		Scope:           scope,
		Key:             key,
		Value:           value,
		SourceIteration: sourceIteration,
		UpdatedAt:       time.Now().UTC(),
	}
	replaced := false
	for i := range doc.Entries {
		if doc.Entries[i].Scope == scope && doc.Entries[i].Key == key {
			doc.Entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Entries = append(doc.Entries, entry)
	}
	if err := s.saveMemoryDoc(doc); err != nil {
		return err
	}
	s.mirrorSync(func(m *Mirror) error { return m.UpsertMemory(s.dir, entry) })
	return nil
}

// MarkMemoryStale sets the stale flag on an entry. Marking is monotonic and
// idempotent: re-marking changes nothing, including source_iteration.
func (s *Store) MarkMemoryStale(scope MemoryScope, key string) error {
	doc, err := s.loadMemoryDoc()
	if err != nil {
		return err
	}
	for i := range doc.Entries {
		if doc.Entries[i].Scope == scope && doc.Entries[i].Key == key {
			if doc.Entries[i].Stale {
				return nil
			}
			doc.Entries[i].Stale = true
			if err := s.saveMemoryDoc(doc); err != nil {
				return err
			}
			s.mirrorSync(func(m *Mirror) error { return m.MarkMemoryStale(s.dir, scope, key) })
			return nil
		}
	}
	return fmt.Errorf("memory entry (%s, %s) not found", scope, key)
}

// DeleteMemory removes an entry. Deleting a missing entry is a no-op.
func (s *Store) DeleteMemory(scope MemoryScope, key string) error {
	doc, err := s.loadMemoryDoc()
	if err != nil {
		return err
	}
	kept := doc.Entries[:0]
	removed := false
	for _, e := range doc.Entries {
		if e.Scope == scope && e.Key == key {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return nil
	}
	doc.Entries = kept
	if err := s.saveMemoryDoc(doc); err != nil {
		return err
	}
	s.mirrorSync(func(m *Mirror) error { return m.DeleteMemory(s.dir, scope, key) })
	return nil
}

// GetMemory queries entries from the relational mirror. scope "" means all
// scopes. When the mirror is unavailable the caller gets
// ErrMirrorUnavailable and is expected to degrade (prompt injection off).
func (s *Store) GetMemory(scope MemoryScope, includeStale bool) ([]MemoryEntry, error) {
	if s.mirror == nil {
		return nil, ErrMirrorUnavailable
	}
	return s.mirror.QueryMemory(s.dir, scope, includeStale)
}

// SortMemory orders entries by source_iteration ascending then key
// lexicographically, the fixed prompt-injection order.
func SortMemory(entries []MemoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].SourceIteration != entries[j].SourceIteration {
			return entries[i].SourceIteration < entries[j].SourceIteration
		}
		return entries[i].Key < entries[j].Key
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
