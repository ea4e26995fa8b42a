package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Common errors.
var (
	// ErrTableNotFound means the events table has not been provisioned.
	ErrTableNotFound = errors.New("events table not found")
	ErrMissingID     = errors.New("event id is required")
	ErrInvalidQuery  = errors.New("invalid event query")
)

// Attribute names on the events table.
const (
	attrEventID    = "event_id"
	attrTimestamp  = "timestamp"
	attrCustomerID = "customerId"
	attrTechniques = "techniques"
	attrUpdatedAt  = "techniques_updated_at"
)

// Query selects events for aggregation or drill-down.
type Query struct {
	TenantID    string // empty or "all" for every tenant
	Days        int
	Limit       int
	TechniqueID string // optional drill-down filter
}

// DynamoStore reads events from a DynamoDB table with a single bounded scan.
type DynamoStore struct {
	client dynamodbiface.DynamoDBAPI
	table  string
	tracer trace.Tracer
	logger *zap.Logger
	now    func() time.Time
}

// NewDynamoStore creates a store over table. A nil tracer uses the global
// provider.
func NewDynamoStore(client dynamodbiface.DynamoDBAPI, table string, tracer trace.Tracer, logger *zap.Logger) *DynamoStore {
	if tracer == nil {
		tracer = otel.Tracer("apex-attack/events")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DynamoStore{
		client: client,
		table:  table,
		tracer: tracer,
		logger: logger,
		now:    time.Now,
	}
}

// Table returns the table name.
func (s *DynamoStore) Table() string {
	return s.table
}

// QueryEvents scans up to q.Limit events newer than q.Days days. The scan is
// not paginated, so a window holding more than Limit events is truncated.
func (s *DynamoStore) QueryEvents(ctx context.Context, q Query) ([]Event, error) {
	if q.Days <= 0 || q.Limit <= 0 {
		return nil, fmt.Errorf("%w: days=%d limit=%d", ErrInvalidQuery, q.Days, q.Limit)
	}

	cutoff := s.now().AddDate(0, 0, -q.Days).Unix()
	filter := expression.Name(attrTimestamp).GreaterThanEqual(expression.Value(cutoff))
	if !IsAllTenants(q.TenantID) {
		filter = filter.And(expression.Name(attrCustomerID).Equal(expression.Value(q.TenantID)))
	}
	if q.TechniqueID != "" {
		filter = filter.And(expression.Name(attrTechniques).Contains(q.TechniqueID))
	}

	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("building scan expression: %w", err)
	}

	return s.scan(ctx, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int64(int64(q.Limit)),
	}, attribute.String("tenant", q.TenantID), attribute.String("technique", q.TechniqueID))
}

// ScanRecent returns up to limit events with no filter.
func (s *DynamoStore) ScanRecent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit=%d", ErrInvalidQuery, limit)
	}

	return s.scan(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
		Limit:     aws.Int64(int64(limit)),
	})
}

// scan runs one Scan page inside a span.
func (s *DynamoStore) scan(ctx context.Context, in *dynamodb.ScanInput, attrs ...attribute.KeyValue) ([]Event, error) {
	attrs = append(attrs,
		attribute.String("db.table", s.table),
		attribute.Int64("db.limit", aws.Int64Value(in.Limit)),
	)
	ctx, span := s.tracer.Start(ctx, "events.Scan", trace.WithAttributes(attrs...))
	defer span.End()

	out, err := s.client.ScanWithContext(ctx, in)
	if err != nil {
		err = s.classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("db.items", len(out.Items)))
	return s.decodeItems(out.Items), nil
}

// SetTechniques stores refs on an event as a JSON string attribute.
func (s *DynamoStore) SetTechniques(ctx context.Context, eventID string, refs []TechniqueRef) error {
	if eventID == "" {
		return ErrMissingID
	}

	payload, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("encoding techniques: %w", err)
	}

	update := expression.Set(expression.Name(attrTechniques), expression.Value(string(payload))).
		Set(expression.Name(attrUpdatedAt), expression.Value(s.now().UTC().Format(time.RFC3339)))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return fmt.Errorf("building update expression: %w", err)
	}

	_, err = s.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]*dynamodb.AttributeValue{
			attrEventID: {S: aws.String(eventID)},
		},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return s.classify(err)
	}
	return nil
}

// HealthCheck verifies the table exists and is reachable.
func (s *DynamoStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return s.classify(err)
	}
	return nil
}

func (s *DynamoStore) decodeItems(items []map[string]*dynamodb.AttributeValue) []Event {
	result := make([]Event, 0, len(items))
	for _, item := range items {
		var raw map[string]any
		if err := dynamodbattribute.UnmarshalMap(item, &raw); err != nil {
			s.logger.Debug("Skipping undecodable event item", zap.Error(err))
			continue
		}
		result = append(result, Decode(raw))
	}
	return result
}

func (s *DynamoStore) classify(err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("%w: %s", ErrTableNotFound, s.table)
	}
	return fmt.Errorf("dynamodb %s: %w", s.table, err)
}
