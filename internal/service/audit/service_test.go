package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/repository"
	"github.com/casetrail/audit-api/pkg/hashchain"
	"github.com/casetrail/audit-api/pkg/logger"
	"github.com/casetrail/audit-api/pkg/metrics"
)

// chainStub is an in-memory AuditRepository with the same conditional-append
// semantics as the Postgres implementation.
type chainStub struct {
	mu     sync.Mutex
	chains map[uuid.UUID][]*model.AuditLogEntry
	seq    int64

	// appendErrs simulates transient write failures, drained one per call.
	appendErrs []error
}

func newChainStub() *chainStub {
	return &chainStub{chains: make(map[uuid.UUID][]*model.AuditLogEntry)}
}

func (s *chainStub) Append(ctx context.Context, entry *model.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.appendErrs) > 0 {
		err := s.appendErrs[0]
		s.appendErrs = s.appendErrs[1:]
		if err != nil {
			return err
		}
	}

	chain := s.chains[entry.OrgID]
	head := hashchain.GenesisHash
	if len(chain) > 0 {
		head = chain[len(chain)-1].Hash
	}
	if entry.PreviousHash != head {
		return repository.ErrStaleHead
	}

	s.seq++
	stored := *entry
	stored.Seq = s.seq
	s.chains[entry.OrgID] = append(chain, &stored)
	return nil
}

func (s *chainStub) Latest(ctx context.Context, orgID uuid.UUID) (*model.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[orgID]
	if len(chain) == 0 {
		return nil, repository.ErrNotFound
	}
	head := *chain[len(chain)-1]
	return &head, nil
}

func (s *chainStub) GetByID(ctx context.Context, orgID, id uuid.UUID) (*model.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.chains[orgID] {
		if e.ID == id {
			entry := *e
			return &entry, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *chainStub) List(ctx context.Context, filter model.AuditListFilter) ([]*model.AuditLogEntry, *model.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.chains[filter.OrgID]
	out := make([]*model.AuditLogEntry, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		e := *chain[i]
		out = append(out, &e)
	}
	return out, nil, nil
}

func (s *chainStub) WalkOldestFirst(ctx context.Context, orgID uuid.UUID, batchSize int, fn func([]*model.AuditLogEntry) error) error {
	s.mu.Lock()
	chain := make([]*model.AuditLogEntry, len(s.chains[orgID]))
	for i, e := range s.chains[orgID] {
		entry := *e
		chain[i] = &entry
	}
	s.mu.Unlock()

	for start := 0; start < len(chain); start += batchSize {
		end := start + batchSize
		if end > len(chain) {
			end = len(chain)
		}
		if err := fn(chain[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *chainStub) Orgs(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orgs := make([]uuid.UUID, 0, len(s.chains))
	for org := range s.chains {
		orgs = append(orgs, org)
	}
	return orgs, nil
}

var testMetrics = metrics.NewMetrics("casetrail_test", "audit")

func newTestService(repo repository.AuditRepository) *Service {
	log := logger.NewLogger(nil)
	return NewService(repo, log, testMetrics, Config{
		MaxAppendAttempts: 5,
		RetryBackoff:      time.Millisecond,
	})
}

func testInput(orgID uuid.UUID, action string) *model.AuditEntryInput {
	userID := uuid.New()
	return &model.AuditEntryInput{
		OrgID:      orgID,
		UserID:     &userID,
		Action:     action,
		Resource:   model.AuditResourceClient,
		ResourceID: "client-1",
		Details:    json.RawMessage(`{"flag":true}`),
		IPAddress:  "203.0.113.10",
	}
}

func TestRecordBuildsLinkedChain(t *testing.T) {
	stub := newChainStub()
	svc := newTestService(stub)
	orgID := uuid.New()

	var entries []*model.AuditLogEntry
	for i := 0; i < 5; i++ {
		entry, err := svc.Record(context.Background(), testInput(orgID, model.AuditActionView))
		require.NoError(t, err)
		entries = append(entries, entry)
	}

	assert.Equal(t, hashchain.GenesisHash, entries[0].PreviousHash)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Hash, entries[i].PreviousHash)
		assert.False(t, entries[i].Timestamp.Before(entries[i-1].Timestamp))
	}
}

func TestRecordConcurrentSameOrgNoForks(t *testing.T) {
	stub := newChainStub()
	svc := newTestService(stub)
	orgID := uuid.New()

	const k = 32
	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Record(context.Background(), testInput(orgID, model.AuditActionExport))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	chain := stub.chains[orgID]
	require.Len(t, chain, k)

	// Walking from genesis must visit exactly k entries, each previousHash
	// matching exactly one prior entry's hash.
	prev := hashchain.GenesisHash
	for _, entry := range chain {
		assert.Equal(t, prev, entry.PreviousHash)
		prev = entry.Hash
	}
}

func TestRecordOrgChainsAreIndependent(t *testing.T) {
	stub := newChainStub()
	svc := newTestService(stub)
	orgA := uuid.New()
	orgB := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := svc.Record(context.Background(), testInput(orgA, model.AuditActionView))
		require.NoError(t, err)
		_, err = svc.Record(context.Background(), testInput(orgB, model.AuditActionView))
		require.NoError(t, err)
	}

	hashesB := map[string]bool{hashchain.GenesisHash: false}
	for _, e := range stub.chains[orgB] {
		hashesB[e.Hash] = true
	}
	for _, e := range stub.chains[orgA] {
		assert.False(t, hashesB[e.PreviousHash], "org A entry references a hash from org B")
	}
}

func TestRecordRetriesTransientWriteFailure(t *testing.T) {
	stub := newChainStub()
	stub.appendErrs = []error{errors.New("storage unavailable"), errors.New("storage unavailable")}
	svc := newTestService(stub)

	entry, err := svc.Record(context.Background(), testInput(uuid.New(), model.AuditActionCreate))
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestRecordEscalatesAfterExhaustedRetries(t *testing.T) {
	stub := newChainStub()
	stub.appendErrs = []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
		errors.New("down"), errors.New("down"),
	}
	svc := newTestService(stub)

	input := testInput(uuid.New(), model.AuditActionDelete)
	_, err := svc.Record(context.Background(), input)
	require.ErrorIs(t, err, ErrAppendExhausted)

	select {
	case failure := <-svc.Failures():
		assert.Equal(t, input.Action, failure.Input.Action)
		assert.Error(t, failure.Err)
	default:
		t.Fatal("expected failure on the operational channel")
	}
}

func TestRecordValidation(t *testing.T) {
	svc := newTestService(newChainStub())
	ctx := context.Background()

	_, err := svc.Record(ctx, nil)
	assert.Error(t, err)

	input := testInput(uuid.New(), "format_disk")
	_, err = svc.Record(ctx, input)
	assert.ErrorIs(t, err, ErrInvalidAction)

	input = testInput(uuid.New(), model.AuditActionView)
	input.OrgID = uuid.Nil
	_, err = svc.Record(ctx, input)
	assert.Error(t, err)

	input = testInput(uuid.New(), model.AuditActionView)
	input.Details = json.RawMessage(make([]byte, model.MaxDetailsBytes+1))
	_, err = svc.Record(ctx, input)
	assert.ErrorIs(t, err, ErrDetailsTooLarge)

	input = testInput(uuid.New(), model.AuditActionView)
	input.Details = json.RawMessage(`{"broken":`)
	_, err = svc.Record(ctx, input)
	assert.Error(t, err)
}

func TestRecordSystemOriginatedEntry(t *testing.T) {
	svc := newTestService(newChainStub())

	input := testInput(uuid.New(), model.AuditActionSecurity)
	input.UserID = nil
	entry, err := svc.Record(context.Background(), input)
	require.NoError(t, err)
	assert.Nil(t, entry.UserID)
	assert.NotEmpty(t, entry.Hash)
}
