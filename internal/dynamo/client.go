// Package dynamo stores demos, their public mirror and captured leads in
// DynamoDB.
//
// Three tables are used. The private table holds each demo under
// pk=DEMO#<id> (one METADATA item plus one STEP#<stepId> item per step) and
// the owner's lead settings under pk=OWNER#<ownerId>. The public mirror
// table holds the published copy under pk=PUB#<id>. The lead table is keyed
// by demoId and itemSK=LEAD#<timestamp> and has no delete path.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"demoreel/api/internal/demo"
)

const (
	// PartitionKey and SortKey are the key attributes of the private and
	// public tables.
	PartitionKey = "pk"
	SortKey      = "sk"

	// LeadPartitionKey and LeadSortKey are the key attributes of the lead
	// table.
	LeadPartitionKey = "demoId"
	LeadSortKey      = "itemSK"

	// GSIOwner indexes items by owner. On the private table its sort key is
	// sk, on the lead table it is createdAt.
	GSIOwner = "byOwner"

	OwnerAttr     = "ownerId"
	CreatedAtAttr = "createdAt"

	MetadataSK = "METADATA"

	privatePrefix = "DEMO#"
	publicPrefix  = "PUB#"
	ownerPrefix   = "OWNER#"
	stepPrefix    = "STEP#"
	settingsSK    = "LEAD_SETTINGS"

	// batchSize is the BatchWriteItem request limit.
	batchSize = 25

	maxBackoff = 2 * time.Second
)

// Tables names the three tables used by the stores.
type Tables struct {
	App    string
	Public string
	Leads  string
}

// Client wraps the DynamoDB API shared by [PrivateStore], [MirrorStore] and
// [LeadStore].
//
// Use [New] to create a Client, [Client.Connect] to initialize the underlying
// DynamoDB connection, and [Client.Init] to validate the table schemas.
type Client struct {
	client API
	tables Tables
	awsCfg *aws.Config
	opts   *Options
}

// New creates a new Client. Call [Client.Connect] on the returned client
// before use.
func New(awsCfg *aws.Config, tables Tables, opts ...Option) *Client {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	return &Client{
		awsCfg: awsCfg,
		tables: tables,
		opts:   options,
	}
}

// AWSSettings carries what is needed to build an aws.Config.
type AWSSettings struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// LoadAWSConfig loads the default AWS configuration chain. Static credentials
// take precedence when both key parts are set, which is how DynamoDB Local
// is reached in development.
func LoadAWSConfig(ctx context.Context, settings AWSSettings) (aws.Config, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if settings.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(settings.Region))
	}
	if settings.AccessKeyID != "" && settings.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(settings.AccessKeyID, settings.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// Connect initializes the DynamoDB client from the AWS config provided to
// [New].
func (c *Client) Connect() error {
	if err := c.opts.validate(); err != nil {
		return fmt.Errorf("invalid DynamoDB options: %w", err)
	}

	if c.tables.App == "" || c.tables.Public == "" || c.tables.Leads == "" {
		return errors.New("all three table names are required")
	}

	if c.opts.dynamoDBAPI != nil {
		c.client = c.opts.dynamoDBAPI
		return nil
	}

	if c.awsCfg == nil {
		return errors.New("aws config is required when no API is injected")
	}

	endpoint := c.opts.endpoint
	c.client = dynamodb.NewFromConfig(*c.awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return nil
}

// Tables returns the configured table names.
func (c *Client) Tables() Tables {
	return c.tables
}

// Private returns the store for owner-only demo items.
func (c *Client) Private() *PrivateStore {
	return &PrivateStore{c: c}
}

// Mirror returns the store for the public copy of published demos.
func (c *Client) Mirror() *MirrorStore {
	return &MirrorStore{c: c}
}

// Leads returns the append-only lead store.
func (c *Client) Leads() *LeadStore {
	return &LeadStore{c: c}
}

type tableSpec struct {
	name         string
	partitionKey string
	sortKey      string
	ownerIndex   string
}

func (c *Client) tableSpecs() []tableSpec {
	return []tableSpec{
		{name: c.tables.App, partitionKey: PartitionKey, sortKey: SortKey, ownerIndex: SortKey},
		{name: c.tables.Public, partitionKey: PartitionKey, sortKey: SortKey},
		{name: c.tables.Leads, partitionKey: LeadPartitionKey, sortKey: LeadSortKey, ownerIndex: CreatedAtAttr},
	}
}

// Init validates the schema of all three tables: composite keys with the
// expected attribute names, ACTIVE status, and the [GSIOwner] index on the
// private and lead tables.
//
// Pass skipSchemaValidation true to return immediately.
func (c *Client) Init(ctx context.Context, skipSchemaValidation bool) error {
	if skipSchemaValidation {
		return nil
	}

	for _, spec := range c.tableSpecs() {
		if err := c.verifyTable(ctx, spec); err != nil {
			return err
		}
	}

	return nil
}

func (c *Client) verifyTable(ctx context.Context, spec tableSpec) error {
	response, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(spec.name),
	})
	if err != nil {
		var notFoundError *dynamodbtypes.ResourceNotFoundException
		if errors.As(err, &notFoundError) {
			return fmt.Errorf("table %s does not exist", spec.name)
		}
		return fmt.Errorf("failed to describe table %s: %w", spec.name, err)
	}

	table := response.Table
	if table == nil || len(table.KeySchema) < 1 {
		return fmt.Errorf("table %s has no key schema", spec.name)
	}

	if aws.ToString(table.KeySchema[0].AttributeName) != spec.partitionKey {
		return fmt.Errorf("table %s has partition key %s, expected %s", spec.name, aws.ToString(table.KeySchema[0].AttributeName), spec.partitionKey)
	}

	if len(table.KeySchema) < 2 {
		return fmt.Errorf("table %s has a simple primary key, expected composite", spec.name)
	}

	if aws.ToString(table.KeySchema[1].AttributeName) != spec.sortKey {
		return fmt.Errorf("table %s has sort key %s, expected %s", spec.name, aws.ToString(table.KeySchema[1].AttributeName), spec.sortKey)
	}

	if table.TableStatus != dynamodbtypes.TableStatusActive {
		return fmt.Errorf("table %s is not active (status: %s)", spec.name, table.TableStatus)
	}

	if spec.ownerIndex != "" {
		if err := verifySecondaryIndex(table, GSIOwner, OwnerAttr, spec.ownerIndex); err != nil {
			return fmt.Errorf("table %s: %w", spec.name, err)
		}
	}

	return nil
}

// Ping checks that the private table is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tables.App),
	})
	if err != nil {
		return fmt.Errorf("failed to describe table %s: %w", c.tables.App, err)
	}
	return nil
}

func verifySecondaryIndex(table *dynamodbtypes.TableDescription, indexName, partitionKey, sortKey string) error {
	for _, index := range table.GlobalSecondaryIndexes {
		if aws.ToString(index.IndexName) != indexName {
			continue
		}

		if len(index.KeySchema) != 2 {
			return fmt.Errorf("global secondary index %s has a simple primary key, expected a composite primary key", indexName)
		}

		if aws.ToString(index.KeySchema[0].AttributeName) != partitionKey {
			return fmt.Errorf("global secondary index %s has partition key %s, expected %s", indexName, aws.ToString(index.KeySchema[0].AttributeName), partitionKey)
		}

		if aws.ToString(index.KeySchema[1].AttributeName) != sortKey {
			return fmt.Errorf("global secondary index %s has sort key %s, expected %s", indexName, aws.ToString(index.KeySchema[1].AttributeName), sortKey)
		}

		if index.IndexStatus != dynamodbtypes.IndexStatusActive {
			return fmt.Errorf("global secondary index %s is not active (status: %s)", indexName, index.IndexStatus)
		}

		if index.Projection == nil || index.Projection.ProjectionType != dynamodbtypes.ProjectionTypeAll {
			return fmt.Errorf("global secondary index %s must project all attributes", indexName)
		}

		return nil
	}

	return fmt.Errorf("global secondary index %s not found", indexName)
}

// queryAll runs the query to exhaustion, following LastEvaluatedKey.
func (c *Client) queryAll(ctx context.Context, input *dynamodb.QueryInput) ([]map[string]dynamodbtypes.AttributeValue, error) {
	var items []map[string]dynamodbtypes.AttributeValue

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		output, err := c.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query DynamoDB table %s: %w", aws.ToString(input.TableName), err)
		}

		items = append(items, output.Items...)

		if len(output.LastEvaluatedKey) == 0 {
			break
		}

		input.ExclusiveStartKey = output.LastEvaluatedKey
	}

	return items, nil
}

func (c *Client) getItem(ctx context.Context, table string, key map[string]dynamodbtypes.AttributeValue, consistent bool, out any) error {
	output, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            key,
		ConsistentRead: aws.Bool(consistent),
	})
	if err != nil {
		return fmt.Errorf("failed to get item from DynamoDB table %s: %w", table, err)
	}

	if len(output.Item) == 0 {
		return demo.ErrNotFound
	}

	if err := attributevalue.UnmarshalMap(output.Item, out); err != nil {
		return fmt.Errorf("failed to unmarshal item from DynamoDB table %s: %w", table, err)
	}

	return nil
}

// putNew writes item only when no item with the same partition key and sort
// key exists. It returns demo.ErrConflict otherwise.
func (c *Client) putNew(ctx context.Context, table, partitionKey string, item any) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item for DynamoDB table %s: %w", table, err)
	}

	cond, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(partitionKey))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build condition expression: %w", err)
	}

	_, err = c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(table),
		Item:                      av,
		ConditionExpression:       cond.Condition(),
		ExpressionAttributeNames:  cond.Names(),
		ExpressionAttributeValues: cond.Values(),
	})
	if err != nil {
		if isConditionFailed(err) {
			return demo.ErrConflict
		}
		return fmt.Errorf("failed to put item in DynamoDB table %s: %w", table, err)
	}

	return nil
}

func (c *Client) put(ctx context.Context, table string, item any) error {
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item for DynamoDB table %s: %w", table, err)
	}

	if _, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	}); err != nil {
		return fmt.Errorf("failed to put item in DynamoDB table %s: %w", table, err)
	}

	return nil
}

// updateExisting applies update to the item at key and decodes the new
// image into out. It returns demo.ErrNotFound when the item does not exist.
func (c *Client) updateExisting(ctx context.Context, table string, key map[string]dynamodbtypes.AttributeValue, update expression.UpdateBuilder, out any) error {
	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.AttributeExists(expression.Name(PartitionKey))).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build update expression: %w", err)
	}

	output, err := c.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(table),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              dynamodbtypes.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return demo.ErrNotFound
		}
		return fmt.Errorf("failed to update item in DynamoDB table %s: %w", table, err)
	}

	if out == nil {
		return nil
	}

	if err := attributevalue.UnmarshalMap(output.Attributes, out); err != nil {
		return fmt.Errorf("failed to unmarshal updated item from DynamoDB table %s: %w", table, err)
	}

	return nil
}

// deleteKeys removes the given keys in BatchWriteItem chunks of 25, retrying
// unprocessed requests with exponential backoff.
func (c *Client) deleteKeys(ctx context.Context, table string, keys []map[string]dynamodbtypes.AttributeValue) error {
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))

		requests := make([]dynamodbtypes.WriteRequest, 0, end-i)
		for _, key := range keys[i:end] {
			requests = append(requests, dynamodbtypes.WriteRequest{
				DeleteRequest: &dynamodbtypes.DeleteRequest{Key: key},
			})
		}

		input := &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]dynamodbtypes.WriteRequest{
				table: requests,
			},
		}

		maxRetries := c.opts.maxBatchRetries
		backoff := c.opts.initialBackoff

		for attempt := 0; attempt <= maxRetries; attempt++ {
			result, err := c.client.BatchWriteItem(ctx, input)
			if err != nil {
				return fmt.Errorf("failed to batch delete items from DynamoDB table %s: %w", table, err)
			}

			if len(result.UnprocessedItems) == 0 {
				break
			}

			if attempt == maxRetries {
				return fmt.Errorf("%d unprocessed items after %d retries", len(result.UnprocessedItems[table]), maxRetries)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff = min(backoff*2, maxBackoff)
			input.RequestItems = result.UnprocessedItems
		}
	}

	return nil
}

func isConditionFailed(err error) bool {
	var ccf *dynamodbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func stringKey(partitionKey, partitionValue, sortKey, sortValue string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		partitionKey: &dynamodbtypes.AttributeValueMemberS{Value: partitionValue},
		sortKey:      &dynamodbtypes.AttributeValueMemberS{Value: sortValue},
	}
}

func getStringValue(attr dynamodbtypes.AttributeValue) string {
	if s, ok := attr.(*dynamodbtypes.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
