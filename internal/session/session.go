// Package session keeps per-user state: a private DuckDB database, the loaded
// dataset, the translation gateway bound to it and the last result.
package session

import (
	"sync"
	"time"

	"github.com/duckask/duckask/internal/nl2sql"
	"github.com/duckask/duckask/internal/pipeline"
	"github.com/duckask/duckask/internal/query"
	"github.com/duckask/duckask/internal/query/duckdb"
)

// Dataset is the table currently loaded into a session.
type Dataset struct {
	ID             string
	Table          string
	SourceFilename string
	Columns        []query.Column
	RowCount       int64
	ObjectKey      string
	SchemaText     string
	LoadedAt       time.Time
}

// View is a consistent copy of a session's mutable fields.
type View struct {
	ID         string
	CreatedAt  time.Time
	LastSeen   time.Time
	Provider   nl2sql.ProviderConfig
	Gateway    *nl2sql.Gateway
	Dataset    *Dataset
	LastResult *pipeline.Outcome
}

type Session struct {
	ID        string
	CreatedAt time.Time

	store *duckdb.Store

	// loadMu serializes dataset loads so two uploads cannot interleave.
	loadMu sync.Mutex

	mu         sync.RWMutex
	lastSeen   time.Time
	provider   nl2sql.ProviderConfig
	gateway    *nl2sql.Gateway
	dataset    *Dataset
	lastResult *pipeline.Outcome
}

// Store is the session's private database. It never changes.
func (s *Session) Store() *duckdb.Store { return s.store }

func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := View{
		ID:         s.ID,
		CreatedAt:  s.CreatedAt,
		LastSeen:   s.lastSeen,
		Provider:   s.provider,
		Gateway:    s.gateway,
		LastResult: s.lastResult,
	}
	if s.dataset != nil {
		dataset := *s.dataset
		view.Dataset = &dataset
	}
	return view
}

// LockLoad acquires the dataset-load lock and returns its release func.
func (s *Session) LockLoad() func() {
	s.loadMu.Lock()
	return s.loadMu.Unlock
}

// SetProvider swaps in a gateway built for cfg.
func (s *Session) SetProvider(cfg nl2sql.ProviderConfig, gateway *nl2sql.Gateway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = cfg
	s.gateway = gateway
}

// SetDataset records a newly loaded dataset together with the gateway whose
// prompt describes it. The previous result no longer applies and is dropped.
func (s *Session) SetDataset(dataset Dataset, gateway *nl2sql.Gateway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataset = &dataset
	s.gateway = gateway
	s.lastResult = nil
}

// ClearDataset forgets the loaded dataset and its result. Used when the
// table was replaced but the session could not be rebound to it.
func (s *Session) ClearDataset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataset = nil
	s.lastResult = nil
}

func (s *Session) SetLastResult(outcome pipeline.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = &outcome
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}
