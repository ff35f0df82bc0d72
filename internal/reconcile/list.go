package reconcile

import "github.com/lucamoreira/bluebird/internal/store"

// SparseList is the ordered, duplicate-free message view for one chat
// session. Entries are sorted by creation time descending (newest first)
// with the identifier as tie break, and the list may be a partial window of
// the chat: TotalCount can exceed the number of loaded entries.
//
// SparseList is not safe for concurrent use; the owning session serializes
// access.
type SparseList struct {
	entries   []store.Message
	index     map[string]int
	total     int
	tombstone map[string]struct{}
}

// NewSparseList creates an empty list.
func NewSparseList() *SparseList {
	return &SparseList{
		index:     make(map[string]int),
		tombstone: make(map[string]struct{}),
	}
}

// Reset replaces the loaded window wholesale, e.g. after the initial load.
// Tombstoned identifiers stay suppressed.
func (l *SparseList) Reset(msgs []store.Message, total int) {
	l.entries = l.entries[:0]
	l.index = make(map[string]int, len(msgs))
	l.total = 0
	for _, m := range msgs {
		l.InsertOrUpdate(m)
	}
	if total > l.total {
		l.total = total
	}
}

// InsertOrUpdate merges one message into the view. A message already
// present (by identifier) is updated in place; a new one is inserted at its
// timestamp-ordered position. Returns false when the message was suppressed
// by a tombstone.
func (l *SparseList) InsertOrUpdate(m store.Message) bool {
	if _, dead := l.tombstone[m.MsgID]; dead {
		return false
	}
	if i, ok := l.index[m.MsgID]; ok {
		l.entries[i] = m
		return true
	}

	pos := l.insertPos(m)
	l.entries = append(l.entries, store.Message{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = m
	for id, i := range l.index {
		if i >= pos {
			l.index[id] = i + 1
		}
	}
	l.index[m.MsgID] = pos
	l.total++
	return true
}

// insertPos finds the slot keeping entries sorted newest-first, identifier
// descending on timestamp ties.
func (l *SparseList) insertPos(m store.Message) int {
	for i, e := range l.entries {
		if m.CreatedAt > e.CreatedAt {
			return i
		}
		if m.CreatedAt == e.CreatedAt && m.MsgID > e.MsgID {
			return i
		}
	}
	return len(l.entries)
}

// ReplaceID swaps a temporary identifier for its durable counterpart in
// place: the entry keeps its position and every field except identifier and
// status. If the durable identifier already has its own entry (confirmation
// raced in through push), the temporary entry is dropped instead so exactly
// one remains.
func (l *SparseList) ReplaceID(tempID, durableID string) bool {
	i, ok := l.index[tempID]
	if !ok {
		return false
	}
	if _, exists := l.index[durableID]; exists {
		l.remove(tempID)
		return true
	}
	delete(l.index, tempID)
	l.entries[i].MsgID = durableID
	l.entries[i].Status = store.StatusSent
	l.index[durableID] = i
	return true
}

// Remove tombstones an identifier: the entry disappears from the view and
// later arrivals of the same identifier are suppressed.
func (l *SparseList) Remove(msgID string) bool {
	l.tombstone[msgID] = struct{}{}
	return l.remove(msgID)
}

func (l *SparseList) remove(msgID string) bool {
	i, ok := l.index[msgID]
	if !ok {
		return false
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	delete(l.index, msgID)
	for id, j := range l.index {
		if j > i {
			l.index[id] = j - 1
		}
	}
	if l.total > 0 {
		l.total--
	}
	return true
}

// Get returns the entry for an identifier, if loaded.
func (l *SparseList) Get(msgID string) (store.Message, bool) {
	i, ok := l.index[msgID]
	if !ok {
		return store.Message{}, false
	}
	return l.entries[i], true
}

// Contains reports whether an identifier is loaded in the view.
func (l *SparseList) Contains(msgID string) bool {
	_, ok := l.index[msgID]
	return ok
}

// Snapshot returns a copy of the loaded window, newest first.
func (l *SparseList) Snapshot() []store.Message {
	out := make([]store.Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of loaded entries.
func (l *SparseList) Len() int { return len(l.entries) }

// TotalCount returns the known total for the chat, loaded or not.
func (l *SparseList) TotalCount() int { return l.total }

// SetTotalCount records the authoritative total from storage.
func (l *SparseList) SetTotalCount(n int) {
	if n >= len(l.entries) {
		l.total = n
	}
}

// NewestTimestamp returns the creation time of the newest loaded entry, or
// zero when empty.
func (l *SparseList) NewestTimestamp() int64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[0].CreatedAt
}
