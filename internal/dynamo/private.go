package dynamo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"demoreel/api/internal/demo"
)

// PrivateStore reads and writes owner-only demo items and lead settings in
// the private table.
type PrivateStore struct {
	c *Client
}

func privateKey(demoID, sk string) map[string]dynamodbtypes.AttributeValue {
	return stringKey(PartitionKey, privatePrefix+demoID, SortKey, sk)
}

func (s *PrivateStore) GetMetadata(ctx context.Context, demoID string) (demo.Metadata, error) {
	var item metadataItem
	if err := s.c.getItem(ctx, s.c.tables.App, privateKey(demoID, MetadataSK), true, &item); err != nil {
		return demo.Metadata{}, err
	}
	return item.toDomain()
}

// CreateMetadata writes a new METADATA item. It returns demo.ErrConflict
// when the demo already exists.
func (s *PrivateStore) CreateMetadata(ctx context.Context, m demo.Metadata) error {
	item, err := newMetadataItem(privatePrefix, m)
	if err != nil {
		return err
	}
	return s.c.putNew(ctx, s.c.tables.App, PartitionKey, item)
}

// UpdateStatus sets status, statusUpdatedAt and updatedAt on an existing
// demo and returns the new metadata.
func (s *PrivateStore) UpdateStatus(ctx context.Context, demoID string, status demo.Status, at time.Time) (demo.Metadata, error) {
	ts := demo.FormatTime(at)
	update := expression.Set(expression.Name("status"), expression.Value(string(status))).
		Set(expression.Name("statusUpdatedAt"), expression.Value(ts)).
		Set(expression.Name("updatedAt"), expression.Value(ts))

	var item metadataItem
	if err := s.c.updateExisting(ctx, s.c.tables.App, privateKey(demoID, MetadataSK), update, &item); err != nil {
		return demo.Metadata{}, err
	}
	return item.toDomain()
}

// UpdateMetadata applies patch to an existing demo. Fields not named in the
// patch keep their stored values.
func (s *PrivateStore) UpdateMetadata(ctx context.Context, demoID string, patch demo.MetadataPatch, at time.Time) (demo.Metadata, error) {
	update := expression.Set(expression.Name("updatedAt"), expression.Value(demo.FormatTime(at)))

	if patch.Name != nil {
		update = update.Set(expression.Name("name"), expression.Value(*patch.Name))
	}

	switch {
	case patch.ClearLeadStep:
		update = update.Remove(expression.Name("leadStepIndex"))
	case patch.LeadStepIndex != nil:
		update = update.Set(expression.Name("leadStepIndex"), expression.Value(*patch.LeadStepIndex))
	}

	switch {
	case patch.ClearLeadConfig:
		update = update.Remove(expression.Name("leadConfig"))
	case patch.LeadConfig != nil:
		raw, err := encodeJSON(patch.LeadConfig)
		if err != nil {
			return demo.Metadata{}, fmt.Errorf("leadConfig: %w", err)
		}
		update = update.Set(expression.Name("leadConfig"), expression.Value(raw))
	}

	if patch.HotspotStyle != nil {
		raw, err := encodeJSON(patch.HotspotStyle)
		if err != nil {
			return demo.Metadata{}, fmt.Errorf("hotspotStyle: %w", err)
		}
		update = update.Set(expression.Name("hotspotStyle"), expression.Value(raw))
	}

	if patch.LeadUseGlobal != nil {
		update = update.Set(expression.Name("leadUseGlobal"), expression.Value(*patch.LeadUseGlobal))
	}

	var item metadataItem
	if err := s.c.updateExisting(ctx, s.c.tables.App, privateKey(demoID, MetadataSK), update, &item); err != nil {
		return demo.Metadata{}, err
	}
	return item.toDomain()
}

// ListByOwner returns every demo owned by ownerID, most recently updated
// first.
func (s *PrivateStore) ListByOwner(ctx context.Context, ownerID string) ([]demo.Metadata, error) {
	keyCond := expression.Key(OwnerAttr).Equal(expression.Value(ownerID)).
		And(expression.Key(SortKey).Equal(expression.Value(MetadataSK)))

	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build key condition expression: %w", err)
	}

	raw, err := s.c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.c.tables.App),
		IndexName:                 aws.String(GSIOwner),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, err
	}

	demos := make([]demo.Metadata, 0, len(raw))
	for _, av := range raw {
		var item metadataItem
		if err := attributevalue.UnmarshalMap(av, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata item: %w", err)
		}
		meta, err := item.toDomain()
		if err != nil {
			return nil, err
		}
		demos = append(demos, meta)
	}

	sort.SliceStable(demos, func(i, j int) bool {
		return demos[i].UpdatedAt.After(demos[j].UpdatedAt)
	})

	return demos, nil
}

// ListItems returns the metadata and steps stored under one demo.
func (s *PrivateStore) ListItems(ctx context.Context, demoID string) (demo.Items, error) {
	raw, err := queryPartition(ctx, s.c, s.c.tables.App, privatePrefix+demoID)
	if err != nil {
		return demo.Items{}, err
	}
	return decodeDemoItems(raw)
}

// GetStep reads a single step, strongly consistent unless the client was
// built with WithEventuallyConsistentSteps.
func (s *PrivateStore) GetStep(ctx context.Context, demoID, stepID string) (demo.Step, error) {
	var item stepItem
	if err := s.c.getItem(ctx, s.c.tables.App, privateKey(demoID, stepSK(stepID)), s.c.opts.consistentSteps, &item); err != nil {
		return demo.Step{}, err
	}
	return item.toDomain()
}

// CreateStep writes a new step. It returns demo.ErrConflict when the step id
// is already taken.
func (s *PrivateStore) CreateStep(ctx context.Context, step demo.Step) error {
	item, err := newStepItem(privatePrefix, step)
	if err != nil {
		return err
	}
	return s.c.putNew(ctx, s.c.tables.App, PartitionKey, item)
}

func (s *PrivateStore) UpdateStep(ctx context.Context, demoID, stepID string, patch demo.StepPatch, at time.Time) (demo.Step, error) {
	update := expression.Set(expression.Name("updatedAt"), expression.Value(demo.FormatTime(at)))

	if patch.Order != nil {
		update = update.Set(expression.Name("order"), expression.Value(*patch.Order))
	}
	if patch.PageURL != nil {
		update = update.Set(expression.Name("pageUrl"), expression.Value(*patch.PageURL))
	}
	if patch.ThumbnailS3Key != nil {
		update = update.Set(expression.Name("thumbnailS3Key"), expression.Value(*patch.ThumbnailS3Key))
	}
	if patch.Hotspots != nil {
		hotspots := *patch.Hotspots
		if hotspots == nil {
			hotspots = []demo.Hotspot{}
		}
		raw, err := encodeHotspots(hotspots)
		if err != nil {
			return demo.Step{}, fmt.Errorf("hotspots: %w", err)
		}
		update = update.Set(expression.Name("hotspots"), expression.Value(raw))
	}

	var item stepItem
	if err := s.c.updateExisting(ctx, s.c.tables.App, privateKey(demoID, stepSK(stepID)), update, &item); err != nil {
		return demo.Step{}, err
	}
	return item.toDomain()
}

// DeleteItems removes every item under the demo's partition and returns how
// many were deleted. Lead settings live under the owner partition and are
// not touched.
func (s *PrivateStore) DeleteItems(ctx context.Context, demoID string) (int, error) {
	return deletePartition(ctx, s.c, s.c.tables.App, privatePrefix+demoID)
}

func (s *PrivateStore) GetLeadSettings(ctx context.Context, ownerID string) (demo.LeadSettings, error) {
	var item settingsItem
	key := stringKey(PartitionKey, ownerPrefix+ownerID, SortKey, settingsSK)
	if err := s.c.getItem(ctx, s.c.tables.App, key, false, &item); err != nil {
		return demo.LeadSettings{}, err
	}

	settings := demo.LeadSettings{
		OwnerID:   item.OwnerID,
		UpdatedAt: demo.ParseTime(item.UpdatedAt),
	}
	if err := decodeJSON(item.LeadConfig, &settings.LeadConfig); err != nil {
		return demo.LeadSettings{}, fmt.Errorf("lead settings for %s: %w", ownerID, err)
	}
	return settings, nil
}

// PutLeadSettings replaces the owner's global lead template.
func (s *PrivateStore) PutLeadSettings(ctx context.Context, settings demo.LeadSettings) error {
	raw, err := encodeJSON(&settings.LeadConfig)
	if err != nil {
		return fmt.Errorf("leadConfig: %w", err)
	}

	return s.c.put(ctx, s.c.tables.App, settingsItem{
		PK:         ownerPrefix + settings.OwnerID,
		SK:         settingsSK,
		OwnerID:    settings.OwnerID,
		LeadConfig: raw,
		UpdatedAt:  demo.FormatTime(settings.UpdatedAt),
	})
}

func queryPartition(ctx context.Context, c *Client, table, pk string) ([]map[string]dynamodbtypes.AttributeValue, error) {
	keyCond := expression.Key(PartitionKey).Equal(expression.Value(pk))

	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build key condition expression: %w", err)
	}

	return c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
}

func deletePartition(ctx context.Context, c *Client, table, pk string) (int, error) {
	raw, err := queryPartition(ctx, c, table, pk)
	if err != nil {
		return 0, err
	}

	if len(raw) == 0 {
		return 0, nil
	}

	keys := make([]map[string]dynamodbtypes.AttributeValue, 0, len(raw))
	for _, av := range raw {
		keys = append(keys, map[string]dynamodbtypes.AttributeValue{
			PartitionKey: av[PartitionKey],
			SortKey:      av[SortKey],
		})
	}

	if err := c.deleteKeys(ctx, table, keys); err != nil {
		return 0, err
	}

	return len(keys), nil
}

func sortSteps(steps []demo.Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})
}
