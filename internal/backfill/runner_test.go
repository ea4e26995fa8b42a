package backfill

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ilminate/apex-attack/internal/events"
	"github.com/ilminate/apex-attack/internal/mitre"
)

type fakeStore struct {
	events  []events.Event
	scanErr error
	failIDs map[string]bool
	written map[string][]events.TechniqueRef
	limit   int
}

func (f *fakeStore) ScanRecent(_ context.Context, limit int) ([]events.Event, error) {
	f.limit = limit
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return f.events, nil
}

func (f *fakeStore) SetTechniques(_ context.Context, id string, refs []events.TechniqueRef) error {
	if f.failIDs[id] {
		return errors.New("conditional check failed")
	}
	if f.written == nil {
		f.written = make(map[string][]events.TechniqueRef)
	}
	f.written[id] = refs
	return nil
}

func sampleEvents() []events.Event {
	return []events.Event{
		{ID: "e1", Text: "schtasks /create /tn updater"},
		{ID: "e2", Text: "Quarterly newsletter"},
		{ID: "", Text: "mimikatz sekurlsa::logonpasswords"},
		{ID: "e4"},
		{ID: "e5", Text: "Your DocuSign shared document is ready"},
	}
}

// =============================================================================
// Runner Tests
// =============================================================================

// TestRun_Writes verifies updates, skips and stored entries.
func TestRun_Writes(t *testing.T) {
	store := &fakeStore{events: sampleEvents()}
	cfg := Config{Limit: 50, WritesPerSec: 0}
	r := NewRunner(store, mitre.NewMapper(mitre.DefaultCatalog(), nil), cfg, zaptest.NewLogger(t))

	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Summary{Scanned: 5, Updated: 2, Skipped: 3, Errors: 0}, sum)
	assert.Equal(t, 50, store.limit)

	refs := store.written["e1"]
	require.Len(t, refs, 1)
	assert.Equal(t, "T1053", refs[0].ID)
	assert.Equal(t, "Persistence", refs[0].Tactic)
	assert.Equal(t, events.KindRef, refs[0].Kind)
	assert.Equal(t, "T1566.002", store.written["e5"][0].ID)
}

// TestRun_DryRun verifies nothing is written.
func TestRun_DryRun(t *testing.T) {
	store := &fakeStore{events: sampleEvents()}
	r := NewRunner(store, mitre.NewMapper(nil, nil), DefaultConfig(), nil)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Updated)
	assert.Empty(t, store.written)
	assert.Equal(t, 1000, store.limit)
}

// TestRun_WriteErrors verifies failures are counted and the run continues.
func TestRun_WriteErrors(t *testing.T) {
	store := &fakeStore{events: sampleEvents(), failIDs: map[string]bool{"e1": true}}
	r := NewRunner(store, mitre.NewMapper(nil, nil), Config{}, nil)

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, 1, sum.Updated)
	assert.Contains(t, store.written, "e5")
}

// TestRun_ScanError verifies a failed scan aborts the run.
func TestRun_ScanError(t *testing.T) {
	boom := errors.New("access denied")
	r := NewRunner(&fakeStore{scanErr: boom}, mitre.NewMapper(nil, nil), Config{}, nil)

	_, err := r.Run(context.Background())
	assert.ErrorIs(t, err, boom)
}

// TestRun_Cancelled verifies pacing honours context cancellation.
func TestRun_Cancelled(t *testing.T) {
	store := &fakeStore{events: sampleEvents()}
	r := NewRunner(store, mitre.NewMapper(nil, nil), Config{WritesPerSec: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx)
	assert.Error(t, err)
	assert.Empty(t, store.written)
}

// TestCheckTable verifies the production guard.
func TestCheckTable(t *testing.T) {
	assert.NoError(t, CheckTable("ILMINATE_EVENTS_STAGING"))
	assert.ErrorIs(t, CheckTable("ilminate-events-PROD"), ErrProductionTable)
	assert.ErrorIs(t, CheckTable("production_events"), ErrProductionTable)
}
