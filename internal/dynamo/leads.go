package dynamo

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"demoreel/api/internal/demo"
)

// LeadStore appends lead submissions and queries them. Leads are never
// deleted, so it has no delete method.
type LeadStore struct {
	c *Client
}

// PutLead writes a new lead. It returns demo.ErrConflict when a lead with
// the same timestamp key already exists for the demo.
func (s *LeadStore) PutLead(ctx context.Context, lead demo.Lead) error {
	item, err := newLeadItem(lead)
	if err != nil {
		return err
	}
	return s.c.putNew(ctx, s.c.tables.Leads, LeadSortKey, item)
}

// ListByDemo returns every lead captured on demoID, newest first.
func (s *LeadStore) ListByDemo(ctx context.Context, demoID string) ([]demo.Lead, error) {
	return s.listByDemo(ctx, demoID, nil)
}

// ListByDemoAndOwner is ListByDemo restricted to leads recorded for
// ownerID. It works after the demo itself is gone.
func (s *LeadStore) ListByDemoAndOwner(ctx context.Context, demoID, ownerID string) ([]demo.Lead, error) {
	filter := expression.Name(OwnerAttr).Equal(expression.Value(ownerID))
	return s.listByDemo(ctx, demoID, &filter)
}

func (s *LeadStore) listByDemo(ctx context.Context, demoID string, filter *expression.ConditionBuilder) ([]demo.Lead, error) {
	keyCond := expression.Key(LeadPartitionKey).Equal(expression.Value(demoID)).
		And(expression.Key(LeadSortKey).BeginsWith(demo.LeadSKPrefix))

	builder := expression.NewBuilder().WithKeyCondition(keyCond)
	if filter != nil {
		builder = builder.WithFilter(*filter)
	}

	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build lead query expression: %w", err)
	}

	raw, err := s.c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.c.tables.Leads),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, err
	}

	return decodeLeads(raw)
}

// ListByOwner returns every lead captured for ownerID across all demos,
// newest first.
func (s *LeadStore) ListByOwner(ctx context.Context, ownerID string) ([]demo.Lead, error) {
	keyCond := expression.Key(OwnerAttr).Equal(expression.Value(ownerID))

	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build lead query expression: %w", err)
	}

	raw, err := s.c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.c.tables.Leads),
		IndexName:                 aws.String(GSIOwner),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	})
	if err != nil {
		return nil, err
	}

	return decodeLeads(raw)
}

func decodeLeads(raw []map[string]dynamodbtypes.AttributeValue) ([]demo.Lead, error) {
	leads := make([]demo.Lead, 0, len(raw))
	for _, av := range raw {
		var item leadItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal lead item: %w", err)
		}
		lead, err := item.toDomain()
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}

	sort.SliceStable(leads, func(i, j int) bool {
		return leads[i].CreatedAt.After(leads[j].CreatedAt)
	})

	return leads, nil
}
