// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/rollcall/internal/database"
)

var _ database.Store = (*MockStore)(nil)

type attendanceKey struct {
	identityID string
	sessionID  string
}

// MockStore is an in-memory implementation of database.Store.
// Error fields are read under the store lock; use SetLoadError to change them while goroutines run.
type MockStore struct {
	mu         sync.RWMutex
	identities []*database.StoredIdentity
	byID       map[string]*database.StoredIdentity
	sessions   map[string]database.Session
	members    map[string][]string
	attendance map[attendanceKey]*database.AttendanceRecord
	nextEmbID  int64
	now        func() time.Time

	loadCalls   atomic.Int64
	cohortCalls atomic.Int64
	upsertCalls atomic.Int64

	// LoadDelay is slept inside LoadActiveIdentities before returning, honoring ctx.
	LoadDelay time.Duration

	// Error injection
	LoadError             error
	CountError            error
	UpsertIdentityError   error
	AddEmbeddingsError    error
	CohortError           error
	UpsertSessionError    error
	UpsertAttendanceError error
	ListAttendanceError   error
	CloseError            error
}

// NewMockStore creates a new empty mock store
func NewMockStore() *MockStore {
	return &MockStore{
		byID:       make(map[string]*database.StoredIdentity),
		sessions:   make(map[string]database.Session),
		members:    make(map[string][]string),
		attendance: make(map[attendanceKey]*database.AttendanceRecord),
		now:        time.Now,
	}
}

// AddIdentity enrolls an active identity with the given embeddings, replacing any previous one.
func (m *MockStore) AddIdentity(id, name string, embeddings ...[]float32) {
	ident := database.StoredIdentity{ID: id, DisplayName: name, Status: database.StatusActive}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putIdentity(ident)
	m.appendEmbeddings(id, embeddings)
}

// AddSession creates an active session with the given cohort.
func (m *MockStore) AddSession(id string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = database.Session{ID: id, Status: database.StatusActive, CreatedAt: m.now()}
	m.members[id] = append([]string{}, members...)
}

// SetLoadError replaces the load error under the store lock.
func (m *MockStore) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadError = err
}

// LoadCalls returns how many times LoadActiveIdentities was called.
func (m *MockStore) LoadCalls() int64 { return m.loadCalls.Load() }

// CohortCalls returns how many times SessionCohort was called.
func (m *MockStore) CohortCalls() int64 { return m.cohortCalls.Load() }

// UpsertCalls returns how many times UpsertAttendance was called.
func (m *MockStore) UpsertCalls() int64 { return m.upsertCalls.Load() }

func (m *MockStore) putIdentity(ident database.StoredIdentity) {
	if existing, ok := m.byID[ident.ID]; ok {
		existing.DisplayName = ident.DisplayName
		existing.ExternalRef = ident.ExternalRef
		existing.Status = ident.Status
		return
	}
	ident.EnrolledAt = m.now()
	stored := &ident
	m.identities = append(m.identities, stored)
	m.byID[ident.ID] = stored
}

func (m *MockStore) appendEmbeddings(id string, embeddings [][]float32) {
	ident := m.byID[id]
	for _, e := range embeddings {
		m.nextEmbID++
		ident.Embeddings = append(ident.Embeddings, database.StoredEmbedding{
			ID:         m.nextEmbID,
			IdentityID: id,
			Embedding:  slices.Clone(e),
			Dim:        len(e),
			CreatedAt:  m.now(),
		})
	}
}

// LoadActiveIdentities returns deep copies of active identities with embeddings
func (m *MockStore) LoadActiveIdentities(ctx context.Context) ([]database.StoredIdentity, error) {
	m.loadCalls.Add(1)

	m.mu.RLock()
	delay, loadErr := m.LoadDelay, m.LoadError
	m.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if loadErr != nil {
		return nil, loadErr
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.StoredIdentity
	for _, ident := range m.identities {
		if ident.Status != database.StatusActive || len(ident.Embeddings) == 0 {
			continue
		}
		cp := *ident
		cp.Embeddings = make([]database.StoredEmbedding, len(ident.Embeddings))
		for i, e := range ident.Embeddings {
			e.Embedding = slices.Clone(e.Embedding)
			cp.Embeddings[i] = e
		}
		out = append(out, cp)
	}
	return out, nil
}

// CountIdentities returns the number of active identities
func (m *MockStore) CountIdentities(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.CountError != nil {
		return 0, m.CountError
	}
	n := 0
	for _, ident := range m.identities {
		if ident.Status == database.StatusActive {
			n++
		}
	}
	return n, nil
}

// UpsertIdentity creates or updates identity metadata
func (m *MockStore) UpsertIdentity(ctx context.Context, identity database.StoredIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertIdentityError != nil {
		return m.UpsertIdentityError
	}
	if identity.Status == "" {
		identity.Status = database.StatusActive
	}
	if prev, ok := m.byID[identity.ID]; ok {
		if identity.DisplayName == "" {
			identity.DisplayName = prev.DisplayName
		}
		if identity.ExternalRef == "" {
			identity.ExternalRef = prev.ExternalRef
		}
	} else if identity.DisplayName == "" {
		identity.DisplayName = identity.ID
	}
	identity.Embeddings = nil
	m.putIdentity(identity)
	return nil
}

// AddEmbeddings appends embeddings to an existing identity
func (m *MockStore) AddEmbeddings(ctx context.Context, identityID string, embeddings []database.StoredEmbedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AddEmbeddingsError != nil {
		return m.AddEmbeddingsError
	}
	if _, ok := m.byID[identityID]; !ok {
		return fmt.Errorf("%w: %s", database.ErrIdentityNotFound, identityID)
	}
	vecs := make([][]float32, len(embeddings))
	for i, e := range embeddings {
		vecs[i] = e.Embedding
	}
	m.appendEmbeddings(identityID, vecs)
	return nil
}

// SetIdentityStatus activates or deactivates an identity
func (m *MockStore) SetIdentityStatus(ctx context.Context, identityID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.byID[identityID]
	if !ok {
		return fmt.Errorf("%w: %s", database.ErrIdentityNotFound, identityID)
	}
	ident.Status = status
	return nil
}

// SessionCohort returns the cohort of an active session
func (m *MockStore) SessionCohort(ctx context.Context, sessionID string) ([]string, error) {
	m.cohortCalls.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.CohortError != nil {
		return nil, m.CohortError
	}
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != database.StatusActive {
		return nil, fmt.Errorf("%w: %s", database.ErrSessionNotFound, sessionID)
	}
	return slices.Clone(m.members[sessionID]), nil
}

// UpsertSession creates or updates a session
func (m *MockStore) UpsertSession(ctx context.Context, session database.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertSessionError != nil {
		return m.UpsertSessionError
	}
	if session.Status == "" {
		session.Status = database.StatusActive
	}
	if existing, ok := m.sessions[session.ID]; ok {
		session.CreatedAt = existing.CreatedAt
	} else {
		session.CreatedAt = m.now()
	}
	m.sessions[session.ID] = session
	return nil
}

// AddSessionMembers adds identities to a cohort, ignoring duplicates
func (m *MockStore) AddSessionMembers(ctx context.Context, sessionID string, identityIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", database.ErrSessionNotFound, sessionID)
	}
	for _, id := range identityIDs {
		if !slices.Contains(m.members[sessionID], id) {
			m.members[sessionID] = append(m.members[sessionID], id)
		}
	}
	return nil
}

// UpsertAttendance keeps the maximum confidence per key, like the SQL backends
func (m *MockStore) UpsertAttendance(ctx context.Context, rec database.AttendanceRecord) (database.AttendanceRecord, error) {
	m.upsertCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertAttendanceError != nil {
		return database.AttendanceRecord{}, m.UpsertAttendanceError
	}

	now := m.now()
	key := attendanceKey{rec.IdentityID, rec.SessionID}
	existing, ok := m.attendance[key]
	if !ok {
		if rec.Method == "" {
			rec.Method = database.MethodFaceRecognition
		}
		if rec.Status == "" {
			rec.Status = database.AttendancePresent
		}
		rec.FirstSeenAt = now
		rec.BestSeenAt = now
		rec.RecordedAt = now
		rec.Raised = false
		m.attendance[key] = &rec
		out := rec
		out.Raised = true
		return out, nil
	}

	raised := rec.Confidence > existing.Confidence
	if raised {
		existing.Confidence = rec.Confidence
		existing.Evidence = rec.Evidence
		existing.BestSeenAt = now
	}
	existing.RecordedAt = now
	out := *existing
	out.Raised = raised
	return out, nil
}

// ListAttendance returns the rows of a session ordered by first sighting
func (m *MockStore) ListAttendance(ctx context.Context, sessionID string) ([]database.AttendanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ListAttendanceError != nil {
		return nil, m.ListAttendanceError
	}
	var out []database.AttendanceRecord
	for key, rec := range m.attendance {
		if key.sessionID == sessionID {
			out = append(out, *rec)
		}
	}
	slices.SortFunc(out, func(a, b database.AttendanceRecord) int {
		if c := a.FirstSeenAt.Compare(b.FirstSeenAt); c != 0 {
			return c
		}
		switch {
		case a.IdentityID < b.IdentityID:
			return -1
		case a.IdentityID > b.IdentityID:
			return 1
		}
		return 0
	})
	return out, nil
}

// Close returns CloseError
func (m *MockStore) Close() error {
	return m.CloseError
}
