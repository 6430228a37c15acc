package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// s3API is the subset of the S3 client used here.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// dynamoAPI is the subset of the DynamoDB client used here.
type dynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// AWSClients bundles the SDK clients built from one shared config.
type AWSClients struct {
	S3     *s3.Client
	Dynamo *dynamodb.Client
	SQS    *sqs.Client
}

// NewAWSClients loads the default AWS config for region, optionally using a
// named shared profile.
func NewAWSClients(ctx context.Context, region, profile string) (*AWSClients, error) {
	var cfg aws.Config
	var err error

	if profile != "" {
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
			config.WithSharedConfigProfile(profile),
		)
	} else {
		cfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return &AWSClients{
		S3:     s3.NewFromConfig(cfg),
		Dynamo: dynamodb.NewFromConfig(cfg),
		SQS:    sqs.NewFromConfig(cfg),
	}, nil
}

// DynamoDBItem represents an item stored in DynamoDB
type DynamoDBItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	Data      string `dynamodbav:"Data"`
	Timestamp string `dynamodbav:"Timestamp"`
	TTL       int64  `dynamodbav:"TTL,omitempty"`
}

const sortKeyLayout = "2006-01-02T15:04:05Z"

func campaignPK(campaignID string) string {
	return fmt.Sprintf("CAMPAIGN#%s", campaignID)
}

func putJSON(ctx context.Context, client dynamoAPI, table, pk string, at time.Time, ttl time.Duration, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	item := DynamoDBItem{
		PK:        pk,
		SK:        at.UTC().Format(sortKeyLayout),
		Data:      string(data),
		Timestamp: at.UTC().Format(time.RFC3339),
	}
	if ttl > 0 {
		item.TTL = at.Add(ttl).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}

	_, err = client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting item to DynamoDB: %w", err)
	}
	return nil
}

func queryItems(ctx context.Context, client dynamoAPI, table, pk string) ([]DynamoDBItem, error) {
	result, err := client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying DynamoDB: %w", err)
	}

	items := make([]DynamoDBItem, 0, len(result.Items))
	for _, raw := range result.Items {
		var it DynamoDBItem
		if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}
