// Package history implements the JSON-RPC History (C5): a per-topic log of
// outstanding requests and their eventual responses, restored from the
// shared store at startup before accepting any mutation.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/walletconnect-labs/relay/internal/domain"
	"github.com/walletconnect-labs/relay/internal/relaystore"
)

// Record errors (spec 7.): surfaced to the caller, never retried.
var (
	ErrRecordAlreadyExists = errors.New("history: record already exists")
	ErrNoMatchingID        = errors.New("history: no matching id")
	ErrMismatchedTopic     = errors.New("history: mismatched topic")
	ErrRestoreWouldOverride = errors.New("history: restore would override existing records")
)

// EventKind identifies what happened to a record.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event is emitted for external observers. Handlers must never call back
// into the History from within an Event callback -- see design note on
// breaking the source's persistence re-entry risk.
type Event struct {
	Kind   EventKind
	Topic  domain.Topic
	Record domain.HistoryRecord
}

// EventFunc receives History events. Registered at construction.
type EventFunc func(Event)

// logOp is one entry of the durable operation log replayed at restore.
type logOp struct {
	Kind   EventKind           `json:"kind"`
	Record domain.HistoryRecord `json:"record"`
}

// History is the C5 JSON-RPC History component.
type History struct {
	store relaystore.Store
	key   string // shared-store key: history:<protocol>@<version>:<context>

	mu      sync.Mutex
	records map[domain.Topic]map[uint64]domain.HistoryRecord
	owner   map[uint64]domain.Topic

	ready   chan struct{}
	onEvent EventFunc
	logger  *slog.Logger
}

// New constructs a History gated in the Restoring state. Mutations block
// until Restore completes.
func New(store relaystore.Store, snapshotKey string, onEvent EventFunc) *History {
	return &History{
		store:   store,
		key:     snapshotKey,
		records: make(map[domain.Topic]map[uint64]domain.HistoryRecord),
		owner:   make(map[uint64]domain.Topic),
		ready:   make(chan struct{}),
		onEvent: onEvent,
		logger:  slog.Default().With("component", "history"),
	}
}

// Restore replays the durable operation log and transitions the History
// from Restoring to Ready. It must be called before the history accepts
// traffic. A later call with an empty in-memory set replays the log again;
// calling it with a non-empty in-memory set fails with
// ErrRestoreWouldOverride.
func (h *History) Restore(ctx context.Context) error {
	h.mu.Lock()
	if len(h.owner) != 0 {
		h.mu.Unlock()
		return ErrRestoreWouldOverride
	}
	h.mu.Unlock()

	entries, err := h.store.RangeList(ctx, h.key)
	if err != nil {
		return err
	}

	h.mu.Lock()
	for _, raw := range entries {
		var op logOp
		if err := json.Unmarshal(raw, &op); err != nil {
			h.logger.Warn("skipping malformed history log entry", "error", err)
			continue
		}
		h.applyLocked(op)
	}
	select {
	case <-h.ready:
		// Already Ready from an earlier Restore.
	default:
		close(h.ready)
	}
	h.mu.Unlock()

	h.logger.Info("history restored", "records", len(h.owner))
	return nil
}

func (h *History) applyLocked(op logOp) {
	topic := op.Record.Topic
	id := op.Record.ID
	switch op.Kind {
	case EventCreated:
		if h.records[topic] == nil {
			h.records[topic] = make(map[uint64]domain.HistoryRecord)
		}
		h.records[topic][id] = op.Record
		h.owner[id] = topic
	case EventUpdated:
		if _, ok := h.records[topic][id]; ok {
			h.records[topic][id] = op.Record
		}
	case EventDeleted:
		delete(h.records[topic], id)
		delete(h.owner, id)
	}
}

// awaitReady blocks until Restore has completed -- the only legitimate
// suspension point in this component (spec 5.).
func (h *History) awaitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *History) persist(kind EventKind, record domain.HistoryRecord) {
	raw, err := json.Marshal(logOp{Kind: kind, Record: record})
	if err != nil {
		h.logger.Error("marshal history log entry", "error", err)
		return
	}
	go func() {
		if err := h.store.PushToList(context.Background(), h.key, raw, 0); err != nil {
			h.logger.Warn("async history snapshot failed", "error", err)
		}
	}()
}

func (h *History) emit(kind EventKind, topic domain.Topic, record domain.HistoryRecord) {
	h.persist(kind, record)
	if h.onEvent != nil {
		h.onEvent(Event{Kind: kind, Topic: topic, Record: record})
	}
}

// Set stores a new record. Fails with ErrRecordAlreadyExists if a record
// with this id already exists (in any topic).
func (h *History) Set(ctx context.Context, topic domain.Topic, id uint64, req domain.JSONRPCRequest, chainID string) error {
	if err := h.awaitReady(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	if _, exists := h.owner[id]; exists {
		h.mu.Unlock()
		return ErrRecordAlreadyExists
	}

	record := domain.HistoryRecord{ID: id, Topic: topic, Request: req, ChainID: chainID}
	if h.records[topic] == nil {
		h.records[topic] = make(map[uint64]domain.HistoryRecord)
	}
	h.records[topic][id] = record
	h.owner[id] = topic
	h.mu.Unlock()

	h.emit(EventCreated, topic, record)
	return nil
}

// Update attaches a response to an existing pending record. Silently
// returns if no record has this id, the topic disagrees, or the record
// already has a response (I3).
func (h *History) Update(ctx context.Context, topic domain.Topic, id uint64, resp domain.JSONRPCResponse) error {
	if err := h.awaitReady(ctx); err != nil {
		return err
	}

	h.mu.Lock()
	owner, ok := h.owner[id]
	if !ok || owner != topic {
		h.mu.Unlock()
		return nil
	}
	record := h.records[topic][id]
	if record.Response != nil {
		h.mu.Unlock()
		return nil
	}
	record.Response = &resp
	h.records[topic][id] = record
	h.mu.Unlock()

	h.emit(EventUpdated, topic, record)
	return nil
}

// Get returns the record for (topic, id).
func (h *History) Get(ctx context.Context, topic domain.Topic, id uint64) (domain.HistoryRecord, error) {
	if err := h.awaitReady(ctx); err != nil {
		return domain.HistoryRecord{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	owner, ok := h.owner[id]
	if !ok {
		return domain.HistoryRecord{}, ErrNoMatchingID
	}
	if owner != topic {
		return domain.HistoryRecord{}, ErrMismatchedTopic
	}
	return h.records[topic][id], nil
}

// Exists reports whether a record for (topic, id) exists.
func (h *History) Exists(ctx context.Context, topic domain.Topic, id uint64) bool {
	if err := h.awaitReady(ctx); err != nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	owner, ok := h.owner[id]
	return ok && owner == topic
}

// Delete removes a record. With a non-nil id, removes exactly that record
// if its topic matches (silent no-op otherwise). With a nil id, removes
// every record of topic, emitting one deleted event per record -- matching
// the source's behavior of the original implementation this was distilled
// from.
func (h *History) Delete(ctx context.Context, topic domain.Topic, id *uint64) error {
	if err := h.awaitReady(ctx); err != nil {
		return err
	}

	if id != nil {
		h.mu.Lock()
		owner, ok := h.owner[*id]
		if !ok || owner != topic {
			h.mu.Unlock()
			return nil
		}
		record := h.records[topic][*id]
		delete(h.records[topic], *id)
		delete(h.owner, *id)
		h.mu.Unlock()

		h.emit(EventDeleted, topic, record)
		return nil
	}

	h.mu.Lock()
	topicRecords := h.records[topic]
	removed := make([]domain.HistoryRecord, 0, len(topicRecords))
	for rid, record := range topicRecords {
		removed = append(removed, record)
		delete(h.owner, rid)
	}
	delete(h.records, topic)
	h.mu.Unlock()

	for _, record := range removed {
		h.emit(EventDeleted, topic, record)
	}
	return nil
}

// Pending returns every record whose response is absent, across all
// topics.
func (h *History) Pending(ctx context.Context) ([]domain.HistoryRecord, error) {
	if err := h.awaitReady(ctx); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var out []domain.HistoryRecord
	for _, byID := range h.records {
		for _, record := range byID {
			if record.Pending() {
				out = append(out, record)
			}
		}
	}
	return out, nil
}
