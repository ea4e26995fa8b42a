package attack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/ilminate/apex-attack/internal/events"
	"github.com/ilminate/apex-attack/internal/mitre"
	"github.com/ilminate/apex-attack/internal/observability"
)

type fakeStore struct {
	events []events.Event
	err    error
	calls  int
	last   events.Query
}

func (f *fakeStore) QueryEvents(_ context.Context, q events.Query) ([]events.Event, error) {
	f.calls++
	f.last = q
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

type mockTenants map[string]bool

func (m mockTenants) MockEnabled(tenant string) bool {
	return m[tenant]
}

func eventsFrom(items ...map[string]any) []events.Event {
	out := make([]events.Event, 0, len(items))
	for _, item := range items {
		out = append(out, events.Decode(item))
	}
	return out
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// =============================================================================
// Aggregator Tests
// =============================================================================

// TestAggregate_Counts verifies list, JSON string and absent technique fields.
func TestAggregate_Counts(t *testing.T) {
	store := &fakeStore{events: eventsFrom(
		map[string]any{"event_id": "a", "techniques": []any{"T1566", "T1059.001"}},
		map[string]any{"event_id": "b", "techniques": `["T1566"]`},
		map[string]any{"event_id": "c"},
	)}
	agg := NewAggregator(store, 500, nil, zaptest.NewLogger(t))

	counts, err := agg.Aggregate(context.Background(), Request{Tenant: "acme", Days: 7})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	if counts.Len() != 2 || counts.Get("T1566") != 2 || counts.Get("T1059.001") != 1 {
		t.Errorf("unexpected counts %+v", counts.Scores())
	}
	if counts.Scanned != 3 {
		t.Errorf("expected 3 scanned, got %d", counts.Scanned)
	}
	if store.last.TenantID != "acme" || store.last.Days != 7 || store.last.Limit != 500 {
		t.Errorf("unexpected query %+v", store.last)
	}
}

// TestAggregate_DuplicateWithinEvent verifies each occurrence is counted.
func TestAggregate_DuplicateWithinEvent(t *testing.T) {
	store := &fakeStore{events: eventsFrom(
		map[string]any{"event_id": "a", "techniques": []any{"T1566", "T1566"}},
	)}

	counts, err := NewAggregator(store, 10, nil, nil).Aggregate(context.Background(), Request{Days: 30})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if got := counts.Get("T1566"); got != 2 {
		t.Errorf("expected 2 for a technique listed twice in one event, got %d", got)
	}
}

// TestAggregate_MalformedSkipped verifies one bad record does not fail the scan.
func TestAggregate_MalformedSkipped(t *testing.T) {
	store := &fakeStore{events: eventsFrom(
		map[string]any{"event_id": "bad", "techniques": "{oops"},
		map[string]any{"event_id": "legacy", "techniques": []any{
			map[string]any{"techniqueID": "T1003"},
			map[string]any{"technique_id": "T1003"},
			map[string]any{"confidence": 0.4},
		}},
	)}

	counts, err := NewAggregator(store, 10, nil, nil).Aggregate(context.Background(), Request{Days: 30})
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	if counts.Malformed != 1 {
		t.Errorf("expected 1 malformed event, got %d", counts.Malformed)
	}
	if counts.Len() != 1 || counts.Get("T1003") != 2 {
		t.Errorf("unexpected counts %+v", counts.Scores())
	}
}

// TestAggregate_InsertionOrder verifies first-seen ordering before ranking.
func TestAggregate_InsertionOrder(t *testing.T) {
	store := &fakeStore{events: eventsFrom(
		map[string]any{"techniques": []any{"T1036"}},
		map[string]any{"techniques": []any{"T1566", "T1566", "T1036"}},
		map[string]any{"techniques": []any{"T1218"}},
	)}

	counts, _ := NewAggregator(store, 10, nil, nil).Aggregate(context.Background(), Request{Days: 1})
	scores := counts.Scores()
	want := []string{"T1036", "T1566", "T1218"}
	for i, id := range want {
		if scores[i].TechniqueID != id {
			t.Fatalf("expected order %v, got %+v", want, scores)
		}
	}
}

// TestAggregate_StoreError verifies errors are passed through unchanged.
func TestAggregate_StoreError(t *testing.T) {
	store := &fakeStore{err: fmt.Errorf("scan: %w", events.ErrTableNotFound)}

	_, err := NewAggregator(store, 10, nil, nil).Aggregate(context.Background(), Request{Days: 30})
	if !errors.Is(err, events.ErrTableNotFound) {
		t.Errorf("expected ErrTableNotFound, got %v", err)
	}
}

// =============================================================================
// LayerBuilder Tests
// =============================================================================

// TestLegend verifies fixed and scaled thresholds.
func TestLegend(t *testing.T) {
	tests := []struct {
		max  int
		want [3]int
	}{
		{0, [3]int{1, 33, 100}},
		{7, [3]int{1, 33, 100}},
		{100, [3]int{1, 33, 100}},
		{101, [3]int{1, 36, 110}},
		{121, [3]int{1, 43, 130}},
		{245, [3]int{1, 83, 250}},
		{250, [3]int{1, 83, 250}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("max=%d", tt.max), func(t *testing.T) {
			items := Legend(tt.max)
			if len(items) != 3 {
				t.Fatalf("expected 3 legend items, got %d", len(items))
			}
			for i, item := range items {
				if item.Value != tt.want[i] {
					t.Errorf("expected %v, got %+v", tt.want, items)
					break
				}
			}
		})
	}
}

// TestBuild_Ranked verifies a successful scan is sorted and tagged dynamodb.
func TestBuild_Ranked(t *testing.T) {
	counts := newCounts()
	for _, id := range []string{"T1036", "T1566", "T1566", "T1566", "T1218", "T1218"} {
		counts.add(id)
	}
	counts.Scanned = 4

	layer := NewLayerBuilder("", nil).Build(Request{Tenant: "acme", Days: 14}, counts, nil)

	if layer.Source != SourceDynamoDB {
		t.Fatalf("expected dynamodb source, got %s", layer.Source)
	}
	want := []TechniqueScore{{"T1566", 3}, {"T1218", 2}, {"T1036", 1}}
	for i, s := range want {
		if layer.Techniques[i] != s {
			t.Fatalf("expected %v, got %v", want, layer.Techniques)
		}
	}
	if layer.Name != "Techniques Observed (14d) - acme" {
		t.Errorf("unexpected name %q", layer.Name)
	}
	if layer.Description != "Auto-generated from 14 days of events (4 scanned)" {
		t.Errorf("unexpected description %q", layer.Description)
	}
	if layer.Domain != "enterprise-attack" || len(layer.Gradient.Colors) != 2 || layer.Gradient.Colors[0] != "#e4f1ff" {
		t.Errorf("unexpected layer metadata %+v", layer)
	}
	if layer.LegendItems[2].Value != 100 {
		t.Errorf("unexpected legend %+v", layer.LegendItems)
	}
}

// TestBuild_EmptyVersusError verifies the two outcomes are never conflated.
func TestBuild_EmptyVersusError(t *testing.T) {
	b := NewLayerBuilder("", nil)
	req := Request{Tenant: "all", Days: 30}

	empty := b.Build(req, newCounts(), nil)
	if empty.Source != SourceEmpty || len(empty.Techniques) != 0 {
		t.Errorf("expected empty dynamodb-empty layer, got %+v", empty)
	}
	if !strings.Contains(empty.Description, "No techniques found") {
		t.Errorf("unexpected empty description %q", empty.Description)
	}

	missing := b.Build(req, nil, fmt.Errorf("scan: %w", events.ErrTableNotFound))
	if missing.Source != SourceEmpty || len(missing.Techniques) != 0 {
		t.Errorf("expected empty layer for missing table, got %+v", missing)
	}
	if !strings.Contains(missing.Description, "No events table found") {
		t.Errorf("unexpected missing-table description %q", missing.Description)
	}

	failed := b.Build(req, nil, errors.New("throttled"))
	if failed.Source != SourceFallback || len(failed.Techniques) != 10 {
		t.Errorf("expected 10-item error-fallback layer, got %+v", failed)
	}
	if !strings.Contains(failed.Description, "throttled") {
		t.Errorf("error text should be kept in description, got %q", failed.Description)
	}
}

// TestBuild_FallbackMatchesMock verifies the two fixed layers share one shape.
func TestBuild_FallbackMatchesMock(t *testing.T) {
	b := NewLayerBuilder("Observed", []string{"#fff", "#000"})
	req := Request{Tenant: "demo", Days: 30}

	mock := b.Mock(req)
	fallback := b.Build(req, nil, errors.New("boom"))

	if mock.Source != SourceMock || fallback.Source != SourceFallback {
		t.Fatalf("unexpected sources %s, %s", mock.Source, fallback.Source)
	}
	if len(mock.Techniques) != 10 || len(fallback.Techniques) != 10 {
		t.Fatalf("expected 10 techniques each, got %d and %d", len(mock.Techniques), len(fallback.Techniques))
	}

	want := FallbackTechniques()
	for i := range want {
		if mock.Techniques[i] != want[i] || fallback.Techniques[i] != want[i] {
			t.Errorf("technique %d differs: mock %v, fallback %v, want %v", i, mock.Techniques[i], fallback.Techniques[i], want[i])
		}
	}
	if mock.Techniques[0] != (TechniqueScore{"T1566", 121}) || mock.Techniques[9] != (TechniqueScore{"T1566.002", 89}) {
		t.Errorf("unexpected fixed set %v", mock.Techniques)
	}

	if mock.Name != fallback.Name || mock.Domain != fallback.Domain {
		t.Errorf("name/domain differ: %q/%q vs %q/%q", mock.Name, mock.Domain, fallback.Name, fallback.Domain)
	}
	for i := range mock.LegendItems {
		if mock.LegendItems[i] != fallback.LegendItems[i] {
			t.Errorf("legend differs: %v vs %v", mock.LegendItems, fallback.LegendItems)
		}
	}
	if mock.Gradient.Colors[1] != "#000" || fallback.Gradient.Colors[1] != "#000" {
		t.Errorf("gradient not applied: %v, %v", mock.Gradient, fallback.Gradient)
	}
}

// TestFallbackTechniques_Copy verifies callers cannot alter the fixed set.
func TestFallbackTechniques_Copy(t *testing.T) {
	first := FallbackTechniques()
	first[0].Score = 0
	if FallbackTechniques()[0].Score != 121 {
		t.Error("fixed set was mutated")
	}
}

// =============================================================================
// Renderer Tests
// =============================================================================

// TestRender_DropsUnknownIDs verifies unknown ids have no row but set MaxScore.
func TestRender_DropsUnknownIDs(t *testing.T) {
	r := NewRenderer(mitre.DefaultCatalog(), nil, zaptest.NewLogger(t))
	layer := Layer{Name: "x", Techniques: []TechniqueScore{{"T9999", 500}, {"T1566", 10}}}

	m := r.Render(layer)

	if _, ok := m.Row("T9999"); ok {
		t.Error("unknown technique should not render")
	}
	for _, row := range m.Rows {
		if row.TechniqueID == "T9999" {
			t.Error("unknown technique found in rows")
		}
	}
	if m.MaxScore != 500 {
		t.Errorf("max score should include unknown ids, got %d", m.MaxScore)
	}
	if m.UnmappedCount != 1 || m.Unmapped[0] != "T9999" {
		t.Errorf("unexpected unmapped %d %v", m.UnmappedCount, m.Unmapped)
	}
	if m.Label() != "Max technique count: 500" {
		t.Errorf("unexpected label %q", m.Label())
	}

	phish, ok := m.Row("T1566")
	if !ok {
		t.Fatal("T1566 row missing")
	}
	if !approx(phish.Cells[2].Alpha, 0.15+0.85*10.0/500.0) {
		t.Errorf("unexpected alpha %v", phish.Cells[2].Alpha)
	}
}

// TestRender_MultiTactic verifies a technique is active in each of its tactics.
func TestRender_MultiTactic(t *testing.T) {
	r := NewRenderer(mitre.DefaultCatalog(), nil, nil)
	m := r.Render(Layer{Techniques: []TechniqueScore{{"T1547.001", 12}, {"T1566", 24}}})

	row, ok := m.Row("T1547.001")
	if !ok {
		t.Fatal("T1547.001 row missing")
	}
	if len(row.Cells) != 14 {
		t.Fatalf("expected 14 cells, got %d", len(row.Cells))
	}

	wantAlpha := 0.15 + 0.85*0.5
	for _, cell := range row.Cells {
		switch cell.Tactic {
		case "persistence", "privilege-escalation":
			if !cell.Active || !cell.Filled || !approx(cell.Alpha, wantAlpha) {
				t.Errorf("%s should be active at %v, got %+v", cell.Tactic, wantAlpha, cell)
			}
		default:
			if cell.Active || cell.Alpha != InactiveOpacity {
				t.Errorf("%s should be inactive, got %+v", cell.Tactic, cell)
			}
		}
	}
}

// TestRender_ClickThrough verifies only scored rows are clickable.
func TestRender_ClickThrough(t *testing.T) {
	m := NewRenderer(mitre.DefaultCatalog(), nil, nil).Render(Layer{Techniques: []TechniqueScore{{"T1059.001", 3}}})

	if len(m.Rows) != mitre.DefaultCatalog().Len() {
		t.Errorf("expected one row per catalog technique, got %d", len(m.Rows))
	}

	ps, _ := m.Row("T1059.001")
	if !ps.Clickable || ps.DrillDownURL != "/events?technique=T1059.001" {
		t.Errorf("unexpected scored row %+v", ps)
	}

	idle, _ := m.Row("T1003")
	if idle.Clickable || idle.DrillDownURL != "" {
		t.Errorf("unscored row should not be clickable: %+v", idle)
	}
	for _, cell := range idle.Cells {
		if cell.Filled {
			t.Errorf("unscored row should have no filled cells: %+v", cell)
		}
	}
}

// TestRender_EmptyLayer verifies max score floors at one.
func TestRender_EmptyLayer(t *testing.T) {
	m := NewRenderer(mitre.DefaultCatalog(), nil, nil).Render(Layer{})
	if m.MaxScore != 1 {
		t.Errorf("expected max score 1, got %d", m.MaxScore)
	}
	if len(m.Tactics) != 14 || m.Tactics[0].ShortName != "reconnaissance" {
		t.Errorf("unexpected tactic header %+v", m.Tactics)
	}
}

// TestAlpha verifies the intensity curve.
func TestAlpha(t *testing.T) {
	tests := []struct {
		score, max int
		want       float64
	}{
		{1, 1, 1},
		{0, 10, 0.15},
		{5, 10, 0.575},
		{20, 10, 1},
		{3, 0, 0},
	}
	for _, tt := range tests {
		if got := Alpha(tt.score, tt.max); !approx(got, tt.want) {
			t.Errorf("Alpha(%d, %d) = %v, want %v", tt.score, tt.max, got, tt.want)
		}
	}
}

// =============================================================================
// Top Techniques Tests
// =============================================================================

// TestTopTechniques verifies ranking, ties and catalog names.
func TestTopTechniques(t *testing.T) {
	layer := Layer{Techniques: []TechniqueScore{
		{"T1218", 5}, {"T9999", 9}, {"T1003", 5}, {"T1566", 40},
	}}

	top := TopTechniques(layer, mitre.DefaultCatalog(), 3)
	if len(top) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(top))
	}

	want := []string{"T1566", "T9999", "T1003"}
	for i, id := range want {
		if top[i].TechniqueID != id || top[i].Rank != i+1 {
			t.Errorf("position %d: expected %s, got %+v", i, id, top[i])
		}
	}
	if top[0].Name != "Phishing" || top[1].Name != UnknownTechniqueName {
		t.Errorf("unexpected names %q, %q", top[0].Name, top[1].Name)
	}
	if top[2].DrillDownURL != "/events?technique=T1003" {
		t.Errorf("unexpected drill-down %q", top[2].DrillDownURL)
	}
	if layer.Techniques[0].TechniqueID != "T1218" {
		t.Error("layer order should not change")
	}
}

// =============================================================================
// Service Tests
// =============================================================================

// TestService_MockSkipsStore verifies mock tenants never reach the store.
func TestService_MockSkipsStore(t *testing.T) {
	store := &fakeStore{err: errors.New("should not be called")}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	svc := NewService(ServiceConfig{
		Store:     store,
		Mocks:     mockTenants{"demo": true},
		ScanLimit: 100,
		Metrics:   metrics,
		Logger:    zaptest.NewLogger(t),
	})

	layer := svc.Layer(context.Background(), Request{Tenant: "demo", Days: 30})
	if layer.Source != SourceMock {
		t.Errorf("expected mock source, got %s", layer.Source)
	}
	if store.calls != 0 {
		t.Errorf("store should not be queried, got %d calls", store.calls)
	}
	if got := counterValue(t, reg, "apex_attack_layer_requests_total", "mock"); got != 1 {
		t.Errorf("expected 1 mock layer counted, got %v", got)
	}
}

// TestService_Sources verifies every store outcome maps to one source.
func TestService_Sources(t *testing.T) {
	tests := []struct {
		name  string
		store *fakeStore
		want  Source
	}{
		{"live", &fakeStore{events: eventsFrom(map[string]any{"techniques": []any{"T1566"}})}, SourceDynamoDB},
		{"no events", &fakeStore{}, SourceEmpty},
		{"table missing", &fakeStore{err: events.ErrTableNotFound}, SourceEmpty},
		{"store failure", &fakeStore{err: errors.New("connection reset")}, SourceFallback},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(ServiceConfig{Store: tt.store, Mocks: mockTenants{}, ScanLimit: 10})
			layer := svc.Layer(context.Background(), Request{Tenant: "acme", Days: 30})
			if layer.Source != tt.want {
				t.Errorf("expected %s, got %s", tt.want, layer.Source)
			}
			if layer.Techniques == nil || layer.LegendItems == nil {
				t.Errorf("layer should be well formed: %+v", layer)
			}
		})
	}
}

// TestService_MatrixAndTop verifies the composed views.
func TestService_MatrixAndTop(t *testing.T) {
	store := &fakeStore{events: eventsFrom(
		map[string]any{"techniques": []any{"T1053", "T1053", "T1566"}},
		map[string]any{"techniques": `["T1566.002"]`},
	)}
	svc := NewService(ServiceConfig{Store: store, ScanLimit: 10})
	req := Request{Tenant: "acme", Days: 30}

	m := svc.Matrix(context.Background(), req)
	row, _ := m.Row("T1053")
	if row.Score != 2 || m.MaxScore != 2 {
		t.Errorf("unexpected matrix row %+v, max %d", row, m.MaxScore)
	}

	top := svc.Top(context.Background(), req, 10)
	if len(top) != 3 || top[0].TechniqueID != "T1053" {
		t.Errorf("unexpected top list %+v", top)
	}
	if store.calls != 2 {
		t.Errorf("each view should scan once, got %d", store.calls)
	}
}

// TestService_MixedCaseIDs verifies ids differing only in case are counted as
// one technique in the matrix and in top-N.
func TestService_MixedCaseIDs(t *testing.T) {
	store := &fakeStore{events: eventsFrom(
		map[string]any{"techniques": []any{"T1566", "t1566"}},
		map[string]any{"techniques": `[" t1566 ", {"id": "t1059.001"}]`},
	)}
	svc := NewService(ServiceConfig{Store: store, ScanLimit: 10})
	req := Request{Tenant: "acme", Days: 30}

	m := svc.Matrix(context.Background(), req)
	row, ok := m.Row("T1566")
	if !ok {
		t.Fatal("expected a T1566 row")
	}
	if row.Score != 3 || m.MaxScore != 3 {
		t.Errorf("expected score 3 and max 3, got score %d max %d", row.Score, m.MaxScore)
	}
	if row.Score > m.MaxScore {
		t.Errorf("row score %d exceeds matrix max %d", row.Score, m.MaxScore)
	}

	top := svc.Top(context.Background(), req, 10)
	if len(top) != 2 {
		t.Fatalf("expected 2 distinct techniques, got %+v", top)
	}
	if top[0].TechniqueID != "T1566" || top[0].Score != 3 || top[1].TechniqueID != "T1059.001" {
		t.Errorf("unexpected top list %+v", top)
	}
}
