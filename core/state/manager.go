package state

import (
	"encoding/json"
	"errors"
	"fmt"

	"escrowmesh/native/deal"
	"escrowmesh/storage"
)

const (
	dealKeyPrefix  = "deal/"
	dealIndexKey   = "deal_index"
	dealLastKey    = "deal_last"
	currentTimeKey = "currentTime"
)

// TimerKey is the well-known store key whose writes advance the process-wide
// timer consulted by the deal engine.
const TimerKey = currentTimeKey

func dealKey(id string) []byte { return []byte(dealKeyPrefix + id) }

// Manager binds the deal engine to a key-value database. It owns the record
// codec, the append-only deal index and the last-written pointer. It performs
// no locking of its own; the host serializes all operations against one
// store.
type Manager struct {
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func (m *Manager) getJSON(key []byte, out interface{}) (bool, error) {
	raw, err := m.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) putJSON(key []byte, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	return m.db.Put(key, raw)
}

// DealGet loads a single deal record by id.
func (m *Manager) DealGet(id string) (*deal.Deal, bool, error) {
	var d deal.Deal
	ok, err := m.getJSON(dealKey(id), &d)
	if err != nil || !ok {
		return nil, false, err
	}
	return &d, true, nil
}

// DealPut sanitizes and persists a deal record and rewrites the last-written
// pointer. The index is maintained separately via DealIndexAppend.
func (m *Manager) DealPut(d *deal.Deal) error {
	sanitized, err := deal.SanitizeDeal(d)
	if err != nil {
		return err
	}
	if err := m.putJSON(dealKey(sanitized.DealID), sanitized); err != nil {
		return err
	}
	return m.putJSON([]byte(dealLastKey), sanitized)
}

// DealIndex returns the ordered sequence of all deal ids, oldest first.
func (m *Manager) DealIndex() ([]string, error) {
	var index []string
	if _, err := m.getJSON([]byte(dealIndexKey), &index); err != nil {
		return nil, err
	}
	return index, nil
}

// DealIndexAppend appends the id to the deal index unless it is already
// present, keeping replays idempotent.
func (m *Manager) DealIndexAppend(id string) error {
	index, err := m.DealIndex()
	if err != nil {
		return err
	}
	for _, existing := range index {
		if existing == id {
			return nil
		}
	}
	index = append(index, id)
	return m.putJSON([]byte(dealIndexKey), index)
}

// LastDeal returns the most recently written deal record, if any.
func (m *Manager) LastDeal() (*deal.Deal, bool, error) {
	var d deal.Deal
	ok, err := m.getJSON([]byte(dealLastKey), &d)
	if err != nil || !ok {
		return nil, false, err
	}
	return &d, true, nil
}

// CurrentTime reads the process-wide timer slot. ok is false when the slot is
// unset or holds a non-numeric value; the stored value itself is never
// rewritten or coerced by reads.
func (m *Manager) CurrentTime() (int64, bool, error) {
	raw, err := m.db.Get([]byte(currentTimeKey))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false, nil
	}
	return v, true, nil
}

// SetCurrentTime stores a numeric timer value.
func (m *Manager) SetCurrentTime(v int64) error {
	return m.putJSON([]byte(currentTimeKey), v)
}

// SetCurrentTimeRaw stores the timer slot verbatim. The external timer-update
// path performs no validation beyond the generic schema check, so arbitrary
// JSON values must round-trip; non-numeric values simply leave the engine
// without a timer.
func (m *Manager) SetCurrentTimeRaw(raw json.RawMessage) error {
	if !json.Valid(raw) {
		return fmt.Errorf("state: timer value is not valid JSON")
	}
	return m.db.Put([]byte(currentTimeKey), raw)
}
