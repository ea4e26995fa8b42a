package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"
)

type fakeDynamo struct {
	dynamodbiface.DynamoDBAPI

	items    []map[string]*dynamodb.AttributeValue
	err      error
	scans    []*dynamodb.ScanInput
	updates  []*dynamodb.UpdateItemInput
	describe int
}

func (f *fakeDynamo) ScanWithContext(_ aws.Context, in *dynamodb.ScanInput, _ ...request.Option) (*dynamodb.ScanOutput, error) {
	f.scans = append(f.scans, in)
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.ScanOutput{Items: f.items, Count: aws.Int64(int64(len(f.items)))}, nil
}

func (f *fakeDynamo) UpdateItemWithContext(_ aws.Context, in *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) DescribeTableWithContext(_ aws.Context, _ *dynamodb.DescribeTableInput, _ ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	f.describe++
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func newTestStore(t *testing.T, client *fakeDynamo) *DynamoStore {
	t.Helper()
	s := NewDynamoStore(client, "apex-events", nil, zaptest.NewLogger(t))
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s
}

// valuesOf collects every expression value so assertions need not depend on
// generated placeholder names.
func valuesOf(in map[string]*dynamodb.AttributeValue) []string {
	var out []string
	for _, v := range in {
		switch {
		case v.S != nil:
			out = append(out, *v.S)
		case v.N != nil:
			out = append(out, *v.N)
		}
	}
	return out
}

func namesOf(in map[string]*string) []string {
	var out []string
	for _, v := range in {
		out = append(out, *v)
	}
	return out
}

// =============================================================================
// QueryEvents Tests
// =============================================================================

// TestQueryEvents_TenantFilter verifies the scan filter for a specific tenant.
func TestQueryEvents_TenantFilter(t *testing.T) {
	client := &fakeDynamo{items: []map[string]*dynamodb.AttributeValue{
		{
			"event_id":   {S: aws.String("e1")},
			"customerId": {S: aws.String("acme")},
			"timestamp":  {N: aws.String("1699990000")},
			"techniques": {S: aws.String(`["T1566","T1566"]`)},
		},
	}}
	store := newTestStore(t, client)

	evs, err := store.QueryEvents(context.Background(), Query{TenantID: "acme", Days: 30, Limit: 500})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, []string{"T1566", "T1566"}, evs[0].TechniqueIDs())
	assert.Equal(t, "acme", evs[0].TenantID)

	require.Len(t, client.scans, 1)
	in := client.scans[0]
	assert.Equal(t, "apex-events", aws.StringValue(in.TableName))
	assert.Equal(t, int64(500), aws.Int64Value(in.Limit))
	assert.ElementsMatch(t, []string{"timestamp", "customerId"}, namesOf(in.ExpressionAttributeNames))

	cutoff := time.Unix(1700000000, 0).AddDate(0, 0, -30).Unix()
	assert.ElementsMatch(t, []string{"acme", jsonNumber(cutoff)}, valuesOf(in.ExpressionAttributeValues))
}

// TestQueryEvents_AllTenants verifies no tenant condition is added.
func TestQueryEvents_AllTenants(t *testing.T) {
	client := &fakeDynamo{}
	store := newTestStore(t, client)

	evs, err := store.QueryEvents(context.Background(), Query{TenantID: "all", Days: 7, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Equal(t, []string{"timestamp"}, namesOf(client.scans[0].ExpressionAttributeNames))
}

// TestQueryEvents_TechniqueFilter verifies drill-down narrows by technique.
func TestQueryEvents_TechniqueFilter(t *testing.T) {
	client := &fakeDynamo{}
	store := newTestStore(t, client)

	_, err := store.QueryEvents(context.Background(), Query{TenantID: "acme", Days: 7, Limit: 10, TechniqueID: "T1003"})
	require.NoError(t, err)

	in := client.scans[0]
	assert.Contains(t, aws.StringValue(in.FilterExpression), "contains")
	assert.Contains(t, valuesOf(in.ExpressionAttributeValues), "T1003")
}

// TestQueryEvents_TableMissing verifies the not-found classification.
func TestQueryEvents_TableMissing(t *testing.T) {
	client := &fakeDynamo{err: awserr.New(dynamodb.ErrCodeResourceNotFoundException, "Requested resource not found", nil)}
	store := newTestStore(t, client)

	_, err := store.QueryEvents(context.Background(), Query{Days: 30, Limit: 10})
	assert.ErrorIs(t, err, ErrTableNotFound)
}

// TestQueryEvents_OtherError verifies other failures are wrapped, not reclassified.
func TestQueryEvents_OtherError(t *testing.T) {
	boom := awserr.New("ProvisionedThroughputExceededException", "slow down", nil)
	store := newTestStore(t, &fakeDynamo{err: boom})

	_, err := store.QueryEvents(context.Background(), Query{Days: 30, Limit: 10})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTableNotFound))
	assert.ErrorIs(t, err, boom)
}

// TestQueryEvents_InvalidQuery verifies bounds are enforced before scanning.
func TestQueryEvents_InvalidQuery(t *testing.T) {
	client := &fakeDynamo{}
	store := newTestStore(t, client)

	_, err := store.QueryEvents(context.Background(), Query{Days: 0, Limit: 10})
	assert.ErrorIs(t, err, ErrInvalidQuery)
	assert.Empty(t, client.scans)
}

// TestQueryEvents_Span verifies the scan is traced and failures mark the span.
func TestQueryEvents_Span(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	client := &fakeDynamo{err: awserr.New(dynamodb.ErrCodeResourceNotFoundException, "gone", nil)}
	store := NewDynamoStore(client, "apex-events", tp.Tracer("test"), zaptest.NewLogger(t))

	_, err := store.QueryEvents(context.Background(), Query{TenantID: "acme", Days: 30, Limit: 10})
	require.ErrorIs(t, err, ErrTableNotFound)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "events.Scan", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	require.Len(t, spans[0].Events, 1)
	assert.Equal(t, "exception", spans[0].Events[0].Name)

	attrs := make(map[string]string)
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "acme", attrs["tenant"])
	assert.Equal(t, "apex-events", attrs["db.table"])
	assert.Equal(t, "10", attrs["db.limit"])
}

// =============================================================================
// Write Path Tests
// =============================================================================

// TestSetTechniques verifies the update writes a JSON string and timestamp.
func TestSetTechniques(t *testing.T) {
	client := &fakeDynamo{}
	store := newTestStore(t, client)

	refs := []TechniqueRef{{Kind: KindRef, ID: "T1566", Tactic: "Initial Access", Confidence: 0.9, Reason: "Rule: email/phish keywords"}}
	require.NoError(t, store.SetTechniques(context.Background(), "e1", refs))

	require.Len(t, client.updates, 1)
	in := client.updates[0]
	assert.Equal(t, "e1", aws.StringValue(in.Key["event_id"].S))
	assert.ElementsMatch(t, []string{"techniques", "techniques_updated_at"}, namesOf(in.ExpressionAttributeNames))

	var stored string
	for _, v := range in.ExpressionAttributeValues {
		if v.S != nil && len(*v.S) > 0 && (*v.S)[0] == '[' {
			stored = *v.S
		}
	}
	decoded, malformed := DecodeTechniques(stored)
	assert.False(t, malformed)
	require.Len(t, decoded, 1)
	assert.Equal(t, "T1566", decoded[0].ID)
	assert.Equal(t, "Initial Access", decoded[0].Tactic)
	assert.Contains(t, valuesOf(in.ExpressionAttributeValues), "2023-11-14T22:13:20Z")
}

// TestSetTechniques_MissingID verifies the key is required.
func TestSetTechniques_MissingID(t *testing.T) {
	client := &fakeDynamo{}
	err := newTestStore(t, client).SetTechniques(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrMissingID)
	assert.Empty(t, client.updates)
}

// TestScanRecent verifies the unfiltered scan and item decoding.
func TestScanRecent(t *testing.T) {
	client := &fakeDynamo{items: []map[string]*dynamodb.AttributeValue{
		{"event_id": {S: aws.String("e1")}, "summary": {S: aws.String("schtasks /create")}},
		{"event_id": {S: aws.String("e2")}, "body": {S: aws.String("hello")}},
	}}
	store := newTestStore(t, client)

	evs, err := store.ScanRecent(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "schtasks /create", evs[0].Text)
	assert.Nil(t, client.scans[0].FilterExpression)
	assert.Equal(t, int64(1000), aws.Int64Value(client.scans[0].Limit))
}

// TestHealthCheck verifies table description errors are classified.
func TestHealthCheck(t *testing.T) {
	ok := &fakeDynamo{}
	require.NoError(t, newTestStore(t, ok).HealthCheck(context.Background()))
	assert.Equal(t, 1, ok.describe)

	missing := &fakeDynamo{err: awserr.New(dynamodb.ErrCodeResourceNotFoundException, "gone", nil)}
	assert.ErrorIs(t, newTestStore(t, missing).HealthCheck(context.Background()), ErrTableNotFound)
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
