package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"demoreel/api/internal/demo"
)

// MirrorStore is the read-optimized public copy of published demos.
type MirrorStore struct {
	c *Client
}

func publicKey(demoID, sk string) map[string]dynamodbtypes.AttributeValue {
	return stringKey(PartitionKey, publicPrefix+demoID, SortKey, sk)
}

func (s *MirrorStore) GetMetadata(ctx context.Context, demoID string) (demo.Metadata, error) {
	var item metadataItem
	if err := s.c.getItem(ctx, s.c.tables.Public, publicKey(demoID, MetadataSK), false, &item); err != nil {
		return demo.Metadata{}, err
	}
	return item.toDomain()
}

// UpsertMetadata creates the mirror METADATA item, or merges m into the
// existing one when it is already there.
func (s *MirrorStore) UpsertMetadata(ctx context.Context, m demo.Metadata) error {
	item, err := newMetadataItem(publicPrefix, m)
	if err != nil {
		return err
	}

	return s.c.createOrMerge(ctx, s.c.tables.Public, item, publicKey(m.DemoID, MetadataSK),
		func(raw map[string]dynamodbtypes.AttributeValue) (expression.UpdateBuilder, error) {
			var existing metadataItem
			if err := attributevalue.UnmarshalMap(raw, &existing); err != nil {
				return expression.UpdateBuilder{}, fmt.Errorf("failed to unmarshal existing metadata: %w", err)
			}
			current, err := existing.toDomain()
			if err != nil {
				return expression.UpdateBuilder{}, err
			}
			merged, err := newMetadataItem(publicPrefix, demo.MergeMetadata(current, m))
			if err != nil {
				return expression.UpdateBuilder{}, err
			}
			return merged.update(), nil
		})
}

// UpsertStep creates the mirror step, or merges step into the existing one.
// Empty incoming fields keep what the mirror already has, so a partial
// payload cannot drop s3Key or ownerId.
func (s *MirrorStore) UpsertStep(ctx context.Context, step demo.Step) error {
	item, err := newStepItem(publicPrefix, step)
	if err != nil {
		return err
	}

	return s.c.createOrMerge(ctx, s.c.tables.Public, item, publicKey(step.DemoID, stepSK(step.StepID)),
		func(raw map[string]dynamodbtypes.AttributeValue) (expression.UpdateBuilder, error) {
			var existing stepItem
			if err := attributevalue.UnmarshalMap(raw, &existing); err != nil {
				return expression.UpdateBuilder{}, fmt.Errorf("failed to unmarshal existing step: %w", err)
			}
			current, err := existing.toDomain()
			if err != nil {
				return expression.UpdateBuilder{}, err
			}
			merged, err := newStepItem(publicPrefix, demo.MergeStep(current, step))
			if err != nil {
				return expression.UpdateBuilder{}, err
			}
			return merged.update(), nil
		})
}

func (s *MirrorStore) ListItems(ctx context.Context, demoID string) (demo.Items, error) {
	raw, err := queryPartition(ctx, s.c, s.c.tables.Public, publicPrefix+demoID)
	if err != nil {
		return demo.Items{}, err
	}
	return decodeDemoItems(raw)
}

// DeleteItems removes every mirror item of the demo.
func (s *MirrorStore) DeleteItems(ctx context.Context, demoID string) (int, error) {
	return deletePartition(ctx, s.c, s.c.tables.Public, publicPrefix+demoID)
}

type mergeFunc func(existing map[string]dynamodbtypes.AttributeValue) (expression.UpdateBuilder, error)

// createOrMerge puts item if its key is free. When the conditional put
// fails it reads the existing item, lets merge compute the combined
// attributes and writes them with UpdateItem.
func (c *Client) createOrMerge(ctx context.Context, table string, item any, key map[string]dynamodbtypes.AttributeValue, merge mergeFunc) error {
	err := c.putNew(ctx, table, PartitionKey, item)
	if err == nil {
		return nil
	}
	if !errors.Is(err, demo.ErrConflict) {
		return err
	}

	output, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to get existing item from DynamoDB table %s: %w", table, err)
	}

	if len(output.Item) == 0 {
		// Deleted between the put and the read; the next sync recreates it.
		return demo.ErrNotFound
	}

	update, err := merge(output.Item)
	if err != nil {
		return err
	}

	return c.updateExisting(ctx, table, key, update, nil)
}
