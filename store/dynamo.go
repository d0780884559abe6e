package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/query"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoConfig locates a DynamoDB endpoint. Endpoint is only set for local
// emulators, in which case static credentials are used.
type DynamoConfig struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewDynamoClient loads the default AWS configuration and applies cfg on top.
func NewDynamoClient(ctx context.Context, cfg DynamoConfig) (*dynamodb.Client, error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		key, secret := cfg.AccessKeyID, cfg.SecretAccessKey
		if key == "" {
			key, secret = "local", "local"
		}
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("dynamodb: load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsConfig, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

const (
	attrID            = "id"
	attrState         = "state"
	attrStateCount    = "stateCount"
	attrCreatedAt     = "createdAt"
	attrUpdatedAt     = "updatedAt"
	attrLeaseOwner    = "leaseOwner"
	attrLeaseAt       = "leaseAt"
	attrLeaseDuration = "leaseDuration"
	attrLeaseExpires  = "leaseExpires"
	attrDocument      = "document"

	stateIndex = "state-updatedAt-index"
)

const dynamoClaimable = `(attribute_not_exists(#owner) OR #expires <= :now OR #owner = :owner)`

// DynamoStore persists entities in a DynamoDB table keyed by id with a global
// secondary index on (state, updatedAt). All lease fencing is expressed as
// condition expressions.
type DynamoStore[E any, T entityPtr[E]] struct {
	api   DynamoAPI
	owner string
	opts  Options
}

// NewDynamoStore builds a store over api owned by owner.
func NewDynamoStore[E any, T entityPtr[E]](api DynamoAPI, owner string, opts ...Option) (*DynamoStore[E, T], error) {
	if api == nil {
		return nil, connector.NewError(connector.ErrStoreUnavailable, "dynamodb store requires a client", nil, nil)
	}
	owner, err := validateOwner(owner)
	if err != nil {
		return nil, err
	}
	return &DynamoStore[E, T]{api: api, owner: owner, opts: buildOptions("connector-entities", opts)}, nil
}

// WithOwner returns a store over the same table under another lease owner.
func (s *DynamoStore[E, T]) WithOwner(owner string) (*DynamoStore[E, T], error) {
	return NewDynamoStore[E, T](s.api, owner, func(o *Options) { *o = s.opts })
}

func (s *DynamoStore[E, T]) Owner() string { return s.owner }

// EnsureTable creates the table and its state index when missing and waits
// for it to become active.
func (s *DynamoStore[E, T]) EnsureTable(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.opts.Table)})
	if err == nil {
		return nil
	}
	var missing *types.ResourceNotFoundException
	if !errors.As(err, &missing) {
		return fmt.Errorf("dynamodb: describe %s: %w", s.opts.Table, err)
	}
	_, err = s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.opts.Table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrID), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrState), AttributeType: types.ScalarAttributeTypeN},
			{AttributeName: aws.String(attrUpdatedAt), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrID), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(stateIndex),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(attrState), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(attrUpdatedAt), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeKeysOnly},
		}},
	})
	if err != nil {
		return fmt.Errorf("dynamodb: create %s: %w", s.opts.Table, err)
	}
	waiter := dynamodb.NewTableExistsWaiter(s.api)
	return waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.opts.Table)}, 2*time.Minute)
}

func (s *DynamoStore[E, T]) Save(ctx context.Context, entity T) error {
	base, err := validateEntity(entity)
	if err != nil {
		return err
	}
	now := s.opts.now()
	raw, undo, err := prepareSave(base, entity, now)
	if err != nil {
		return err
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.opts.Table),
		Item:                      encodeItem(base, raw),
		ConditionExpression:       aws.String(dynamoClaimable),
		ExpressionAttributeNames:  leaseNames(),
		ExpressionAttributeValues: s.leaseValues(now),
	})
	if err != nil {
		undo()
		if isConditionFailed(err) {
			return connector.Conflict(base.ID, "entity is leased by another owner")
		}
		return fmt.Errorf("dynamodb: save %s: %w", base.ID, err)
	}
	return nil
}

func (s *DynamoStore[E, T]) Find(ctx context.Context, id string) (T, error) {
	var zero T
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, nil
	}
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.opts.Table),
		Key:            itemKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return zero, fmt.Errorf("dynamodb: find %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return zero, nil
	}
	return decodeItem[E, T](out.Item)
}

// LeaseNextForState walks the state index oldest first and claims each
// candidate with a conditional update. The index is eventually consistent,
// so the condition repeats the state and claimability checks.
func (s *DynamoStore[E, T]) LeaseNextForState(ctx context.Context, state, max int) ([]T, error) {
	if max <= 0 {
		return nil, nil
	}
	now := s.opts.now()
	lease := connector.NewLease(s.owner, now, s.opts.LeaseDuration)

	paginator := dynamodb.NewQueryPaginator(s.api, &dynamodb.QueryInput{
		TableName:                aws.String(s.opts.Table),
		IndexName:                aws.String(stateIndex),
		KeyConditionExpression:   aws.String("#state = :state"),
		ExpressionAttributeNames: map[string]string{"#state": attrState},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":state": numberAttr(int64(state)),
		},
		ScanIndexForward: aws.Bool(true),
	})

	claimed := make([]T, 0, max)
	for paginator.HasMorePages() && len(claimed) < max {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return claimed, fmt.Errorf("dynamodb: lease state %d: %w", state, err)
		}
		for _, key := range page.Items {
			if len(claimed) >= max {
				break
			}
			id, _ := stringValue(key[attrID])
			entity, ok, err := s.claim(ctx, id, state, lease)
			if err != nil {
				return claimed, err
			}
			if ok {
				claimed = append(claimed, entity)
			}
		}
	}
	sortOldestFirst(claimed)
	return claimed, nil
}

func (s *DynamoStore[E, T]) claim(ctx context.Context, id string, state int, lease *connector.Lease) (T, bool, error) {
	var zero T
	names := leaseNames()
	names["#state"] = attrState
	names["#at"] = attrLeaseAt
	names["#duration"] = attrLeaseDuration
	values := s.leaseValues(lease.LeasedAt)
	values[":state"] = numberAttr(int64(state))
	values[":at"] = numberAttr(unixNano(lease.LeasedAt))
	values[":duration"] = numberAttr(lease.LeaseDuration.Milliseconds())
	values[":expires"] = numberAttr(unixNano(lease.ExpiresAt()))

	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.opts.Table),
		Key:                       itemKey(id),
		UpdateExpression:          aws.String("SET #owner = :owner, #at = :at, #duration = :duration, #expires = :expires"),
		ConditionExpression:       aws.String("attribute_exists(#state) AND #state = :state AND " + dynamoClaimable),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("dynamodb: claim %s: %w", id, err)
	}
	entity, err := decodeItem[E, T](out.Attributes)
	return entity, err == nil, err
}

func (s *DynamoStore[E, T]) Delete(ctx context.Context, id string) error {
	current, err := s.Find(ctx, id)
	if err != nil || isNil(current) {
		return err
	}
	now := s.opts.now()
	if current.Stateful().IsLeasedByOther(s.owner, now) {
		return connector.Conflict(current.Stateful().ID, "entity is leased by "+current.Stateful().Lease.LeasedBy)
	}
	if err := s.opts.runGuards(ctx, current); err != nil {
		return err
	}
	_, err = s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.opts.Table),
		Key:                       itemKey(current.Stateful().ID),
		ConditionExpression:       aws.String(dynamoClaimable),
		ExpressionAttributeNames:  leaseNames(),
		ExpressionAttributeValues: s.leaseValues(now),
	})
	if err != nil {
		if isConditionFailed(err) {
			return connector.Conflict(current.Stateful().ID, "entity was leased concurrently")
		}
		return fmt.Errorf("dynamodb: delete %s: %w", id, err)
	}
	return nil
}

// Query scans the table and evaluates spec in process.
func (s *DynamoStore[E, T]) Query(ctx context.Context, spec query.Spec) (iter.Seq2[T, error], error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	paginator := dynamodb.NewScanPaginator(s.api, &dynamodb.ScanInput{
		TableName:      aws.String(s.opts.Table),
		ConsistentRead: aws.Bool(true),
	})
	var all []T
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb: scan %s: %w", s.opts.Table, err)
		}
		for _, item := range page.Items {
			entity, err := decodeItem[E, T](item)
			if err != nil {
				return nil, err
			}
			all = append(all, entity)
		}
	}
	sortOldestFirst(all)
	matched, err := query.Evaluate(all, spec, toDocument[T])
	if err != nil {
		return nil, err
	}
	return sliceSeq(matched), nil
}

func (s *DynamoStore[E, T]) leaseValues(now time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		":now":   numberAttr(unixNano(now)),
		":owner": &types.AttributeValueMemberS{Value: s.owner},
	}
}

func leaseNames() map[string]string {
	return map[string]string{
		"#owner":   attrLeaseOwner,
		"#expires": attrLeaseExpires,
	}
}

func itemKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{attrID: &types.AttributeValueMemberS{Value: id}}
}

// encodeItem renders an unleased row.
func encodeItem(base *connector.Entity, raw []byte) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrID:         &types.AttributeValueMemberS{Value: base.ID},
		attrState:      numberAttr(int64(base.State)),
		attrStateCount: numberAttr(int64(base.StateCount)),
		attrCreatedAt:  numberAttr(unixNano(base.CreatedAt)),
		attrUpdatedAt:  numberAttr(unixNano(base.UpdatedAt)),
		attrDocument:   &types.AttributeValueMemberS{Value: string(raw)},
	}
}

func decodeItem[E any, T entityPtr[E]](item map[string]types.AttributeValue) (T, error) {
	var zero T
	meta := rowMeta{}
	var ok bool
	if meta.ID, ok = stringValue(item[attrID]); !ok {
		return zero, fmt.Errorf("dynamodb: item without %s", attrID)
	}
	state, err := numberValue(item[attrState])
	if err != nil {
		return zero, fmt.Errorf("dynamodb: item %s: %w", meta.ID, err)
	}
	meta.State = int(state)
	if n, err := numberValue(item[attrStateCount]); err == nil {
		meta.StateCount = int(n)
	}
	if n, err := numberValue(item[attrCreatedAt]); err == nil {
		meta.CreatedAt = fromUnixNano(n)
	}
	if n, err := numberValue(item[attrUpdatedAt]); err == nil {
		meta.UpdatedAt = fromUnixNano(n)
	}
	if owner, ok := stringValue(item[attrLeaseOwner]); ok && owner != "" {
		meta.LeaseOwner = owner
		if n, err := numberValue(item[attrLeaseAt]); err == nil {
			meta.LeaseAt = fromUnixNano(n)
		}
		if n, err := numberValue(item[attrLeaseDuration]); err == nil {
			meta.LeaseDuration = time.Duration(n) * time.Millisecond
		}
	}
	document, _ := stringValue(item[attrDocument])
	return decode[E, T]([]byte(document), meta)
}

func numberAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func numberValue(v types.AttributeValue) (int64, error) {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("expected number attribute, got %T", v)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

func stringValue(v types.AttributeValue) (string, bool) {
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return s.Value, true
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
