package cidregistry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/canonicalize"
	"github.com/FTHTrading/Doc-Intelligence-sub000/pkg/store"
)

const EventLogFile = "event-log.json"

// Actions appended to the global chain by the engines that carry an event log.
const (
	EventCIDRegistered    = "cid-registered"
	EventLifecycleCreated = "lifecycle-created"
	EventStageAdvanced    = "stage-advanced"
	EventLedgerAnchored   = "ledger-anchored"
)

// EventEntry is one link in the global audit chain. One chain covers all
// documents.
type EventEntry struct {
	EventID           string            `json:"eventId"`
	Action            string            `json:"action"`
	Actor             string            `json:"actor"`
	Timestamp         time.Time         `json:"timestamp"`
	Details           map[string]string `json:"details,omitempty"`
	Fingerprint       string            `json:"fingerprint,omitempty"`
	CID               string            `json:"cid,omitempty"`
	PreviousChainHash string            `json:"previousChainHash"`
	ChainHash         string            `json:"chainHash"`
	Sequence          int               `json:"sequence"`
}

type eventLogState struct {
	Engine  string       `json:"engine"`
	Version string       `json:"version"`
	Entries []EventEntry `json:"entries"`
}

// EventLog is the append-only global event chain.
type EventLog struct {
	mu    sync.RWMutex
	file  *store.File
	state eventLogState
}

// NewEventLog loads or creates the event log under dataDir.
func NewEventLog(dataDir string) (*EventLog, error) {
	l := &EventLog{file: store.NewFile(dataDir, EventLogFile)}
	found, err := l.file.Load(&l.state)
	if err != nil {
		return nil, err
	}
	if !found {
		l.state = eventLogState{Engine: "doc-intelligence-engine", Version: "1.0.0"}
	}
	return l, nil
}

// Append adds an entry, chaining it to the current head, and persists.
func (l *EventLog) Append(action, actor string, details map[string]string, fingerprint, cidStr string) (*EventEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := canonicalize.GenesisHash
	if n := len(l.state.Entries); n > 0 {
		prev = l.state.Entries[n-1].ChainHash
	}

	entry := EventEntry{
		EventID:           uuid.New().String(),
		Action:            action,
		Actor:             actor,
		Timestamp:         time.Now().UTC(),
		Details:           details,
		Fingerprint:       fingerprint,
		CID:               cidStr,
		PreviousChainHash: prev,
		Sequence:          len(l.state.Entries) + 1,
	}
	hash, err := eventChainHash(entry)
	if err != nil {
		return nil, err
	}
	entry.ChainHash = hash

	l.state.Entries = append(l.state.Entries, entry)
	if err := l.file.Write(&l.state); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Entries returns a copy of the full chain.
func (l *EventLog) Entries() []EventEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]EventEntry, len(l.state.Entries))
	copy(out, l.state.Entries)
	return out
}

// Len returns the chain length.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.state.Entries)
}

// VerifyChain walks the chain, recomputing every link. Integrity failures are
// reported, never repaired.
func (l *EventLog) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := canonicalize.GenesisHash
	for i, entry := range l.state.Entries {
		if entry.Sequence != i+1 {
			return fmt.Errorf("cidregistry: event chain sequence gap at %d", i+1)
		}
		if entry.PreviousChainHash != expectedPrev {
			return fmt.Errorf("cidregistry: event chain broken at sequence %d", entry.Sequence)
		}
		computed, err := eventChainHash(entry)
		if err != nil {
			return err
		}
		if computed != entry.ChainHash {
			return fmt.Errorf("cidregistry: event chain hash mismatch at sequence %d", entry.Sequence)
		}
		expectedPrev = entry.ChainHash
	}
	return nil
}

func eventChainHash(e EventEntry) (string, error) {
	return canonicalize.Hash(struct {
		EventID           string            `json:"eventId"`
		Action            string            `json:"action"`
		Actor             string            `json:"actor"`
		Timestamp         string            `json:"timestamp"`
		Details           map[string]string `json:"details,omitempty"`
		Fingerprint       string            `json:"fingerprint,omitempty"`
		CID               string            `json:"cid,omitempty"`
		PreviousChainHash string            `json:"previousChainHash"`
		Sequence          int               `json:"sequence"`
	}{e.EventID, e.Action, e.Actor, e.Timestamp.UTC().Format(time.RFC3339), e.Details, e.Fingerprint, e.CID, e.PreviousChainHash, e.Sequence})
}
