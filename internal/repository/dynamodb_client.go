package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"chatline/internal/domain"
)

const (
	pkPrefixThread = "THREAD#"
	skPrefixMsg    = "MSG#"
	skMeta         = "META"
	// skMsgUpper sorts after every MSG# key.
	skMsgUpper = "MSG$"

	ownerIndex     = "owner-updated-index"
	messageIDIndex = "message-id-index"

	// tsLayout is fixed width so timestamps sort lexically.
	tsLayout = "2006-01-02T15:04:05.000000000Z"

	batchWriteMax  = 25
	batchRetries   = 5
	pageQueryLimit = 100
)

var (
	ErrNotFound  = domain.ErrNotFound
	ErrForbidden = domain.ErrForbidden
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client stores threads and messages in a single DynamoDB table.
type Client struct {
	api       dynamodbAPI
	tableName string
	retention time.Duration
}

type Option func(*Client)

// WithRetention makes every written item expire after d via the table's TTL
// attribute. Zero keeps items forever.
func WithRetention(d time.Duration) Option {
	return func(c *Client) {
		c.retention = d
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func threadPK(threadID string) string {
	return pkPrefixThread + threadID
}

// msgSK orders messages by creation time, then id.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + formatTS(ts) + "#" + id
}

func formatTS(ts time.Time) string {
	return ts.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(tsLayout, s)
}

func (c *Client) CreateThread(ctx context.Context, t domain.Thread) error {
	if t.ID == "" || t.Owner == "" {
		return errors.New("repository: CreateThread: id and owner are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                c.threadItem(t),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: CreateThread: %w", err)
	}
	return nil
}

func (c *Client) GetThread(ctx context.Context, id string) (domain.Thread, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            threadKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Thread{}, fmt.Errorf("repository: GetThread get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Thread{}, fmt.Errorf("repository: GetThread %q: %w", id, ErrNotFound)
	}
	t, err := itemToThread(out.Item)
	if err != nil {
		return domain.Thread{}, fmt.Errorf("repository: GetThread unmarshal: %w", err)
	}
	return t, nil
}

// ListThreads pages through an owner's threads on the owner index, newest
// update first. The cursor is the updatedAt of the last thread returned.
func (c *Client) ListThreads(ctx context.Context, owner string, limit int, cursor string) ([]domain.Thread, string, error) {
	cond := "#owner = :owner"
	values := map[string]types.AttributeValue{
		":owner": &types.AttributeValueMemberS{Value: owner},
	}
	if cursor != "" {
		if _, err := parseTS(cursor); err != nil {
			return nil, "", fmt.Errorf("repository: ListThreads: bad cursor: %w", err)
		}
		cond += " AND updatedAt < :cursor"
		values[":cursor"] = &types.AttributeValueMemberS{Value: cursor}
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(c.tableName),
		IndexName:                 aws.String(ownerIndex),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeNames:  map[string]string{"#owner": "owner"},
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListThreads query: %w", err)
	}
	threads := make([]domain.Thread, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToThread(item)
		if err != nil {
			return nil, "", fmt.Errorf("repository: ListThreads unmarshal: %w", err)
		}
		threads = append(threads, t)
	}
	next := ""
	if len(out.LastEvaluatedKey) > 0 && len(threads) > 0 {
		next = formatTS(threads[len(threads)-1].UpdatedAt)
	}
	return threads, next, nil
}

func (c *Client) RenameThread(ctx context.Context, id, title string, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 threadKey(id),
		UpdateExpression:    aws.String("SET title = :title"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":title": &types.AttributeValueMemberS{Value: title},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("repository: RenameThread %q: %w", id, ErrNotFound)
		}
		return fmt.Errorf("repository: RenameThread: %w", err)
	}
	if err := c.advance(ctx, id, "updatedAt", at); err != nil {
		return fmt.Errorf("repository: RenameThread: %w", err)
	}
	return nil
}

// advance moves a thread timestamp attribute forward to at. Timestamps never
// go backwards, so an older value loses the condition and is ignored.
func (c *Client) advance(ctx context.Context, threadID, attr string, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      threadKey(threadID),
		UpdateExpression:         aws.String("SET #ts = :ts"),
		ConditionExpression:      aws.String("attribute_exists(PK) AND (attribute_not_exists(#ts) OR #ts < :ts)"),
		ExpressionAttributeNames: map[string]string{"#ts": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ts": &types.AttributeValueMemberS{Value: formatTS(at)},
		},
	})
	var condErr *types.ConditionalCheckFailedException
	if err != nil && !errors.As(err, &condErr) {
		return fmt.Errorf("advance %s: %w", attr, err)
	}
	return nil
}

// DeleteThread removes the thread record and every message under it.
func (c *Client) DeleteThread(ctx context.Context, id string) error {
	keys, err := c.collectKeys(ctx, id, "")
	if err != nil {
		return fmt.Errorf("repository: DeleteThread: %w", err)
	}
	if err := c.deleteKeys(ctx, keys); err != nil {
		return fmt.Errorf("repository: DeleteThread: %w", err)
	}
	return nil
}

// AppendMessage writes the message in a transaction that only succeeds when
// the thread belongs to the message owner, then advances the thread
// timestamps. A message committed after a newer one leaves them unchanged.
func (c *Client) AppendMessage(ctx context.Context, m domain.Message) error {
	if m.ID == "" || m.ThreadID == "" || m.Owner == "" {
		return errors.New("repository: AppendMessage: id, thread id and owner are required")
	}
	item, err := c.messageItem(m)
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				ConditionCheck: &types.ConditionCheck{
					TableName:                aws.String(c.tableName),
					Key:                      threadKey(m.ThreadID),
					ConditionExpression:      aws.String("attribute_exists(PK) AND #owner = :owner"),
					ExpressionAttributeNames: map[string]string{"#owner": "owner"},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":owner": &types.AttributeValueMemberS{Value: m.Owner},
					},
				},
			},
		},
	})
	if err != nil {
		if ownershipRejected(err) {
			return fmt.Errorf("repository: AppendMessage to %q: %w", m.ThreadID, ErrForbidden)
		}
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	for _, attr := range []string{"updatedAt", "lastMessageAt"} {
		if err := c.advance(ctx, m.ThreadID, attr, m.CreatedAt); err != nil {
			return fmt.Errorf("repository: AppendMessage: %w", err)
		}
	}
	return nil
}

// ownershipRejected reports whether the thread ownership check cancelled
// the transaction.
func ownershipRejected(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	reasons := canceled.CancellationReasons
	return len(reasons) > 1 && aws.ToString(reasons[1].Code) == "ConditionalCheckFailed"
}

// ListMessages pages through a thread's messages oldest first. The cursor is
// the sort key of the last message returned.
func (c *Client) ListMessages(ctx context.Context, threadID string, limit int, cursor string) ([]domain.Message, string, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: threadPK(threadID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(int32(limit)),
	}
	if cursor != "" {
		if !strings.HasPrefix(cursor, skPrefixMsg) {
			return nil, "", errors.New("repository: ListMessages: bad cursor")
		}
		in.ExclusiveStartKey = map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK": &types.AttributeValueMemberS{Value: cursor},
		}
	}
	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, "", fmt.Errorf("repository: ListMessages query: %w", err)
	}
	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		m, err := itemToMessage(item)
		if err != nil {
			return nil, "", fmt.Errorf("repository: ListMessages unmarshal: %w", err)
		}
		msgs = append(msgs, m)
	}
	next := ""
	if len(out.LastEvaluatedKey) > 0 && len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		next = msgSK(last.CreatedAt, last.ID)
	}
	return msgs, next, nil
}

func (c *Client) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(messageIDIndex),
		KeyConditionExpression: aws.String("messageId = :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberS{Value: id},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: GetMessage query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return domain.Message{}, fmt.Errorf("repository: GetMessage %q: %w", id, ErrNotFound)
	}
	m, err := itemToMessage(out.Items[0])
	if err != nil {
		return domain.Message{}, fmt.Errorf("repository: GetMessage unmarshal: %w", err)
	}
	return m, nil
}

// TruncateFrom deletes every message created at or after from.
func (c *Client) TruncateFrom(ctx context.Context, threadID string, from time.Time) error {
	keys, err := c.collectKeys(ctx, threadID, skPrefixMsg+formatTS(from))
	if err != nil {
		return fmt.Errorf("repository: TruncateFrom: %w", err)
	}
	if err := c.deleteKeys(ctx, keys); err != nil {
		return fmt.Errorf("repository: TruncateFrom: %w", err)
	}
	return nil
}

// collectKeys returns the keys of every item in a thread partition. With a
// non-empty fromSK only message keys at or after it are returned.
func (c *Client) collectKeys(ctx context.Context, threadID, fromSK string) ([]map[string]types.AttributeValue, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ProjectionExpression:   aws.String("PK, SK"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: threadPK(threadID)},
		},
		Limit: aws.Int32(pageQueryLimit),
	}
	if fromSK != "" {
		in.KeyConditionExpression = aws.String("PK = :pk AND SK BETWEEN :from AND :to")
		in.ExpressionAttributeValues[":from"] = &types.AttributeValueMemberS{Value: fromSK}
		in.ExpressionAttributeValues[":to"] = &types.AttributeValueMemberS{Value: skMsgUpper}
	}
	var keys []map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query keys: %w", err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (c *Client) deleteKeys(ctx context.Context, keys []map[string]types.AttributeValue) error {
	for start := 0; start < len(keys); start += batchWriteMax {
		end := min(start+batchWriteMax, len(keys))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, k := range keys[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
		}
		pending := map[string][]types.WriteRequest{c.tableName: reqs}
		for attempt := 0; len(pending[c.tableName]) > 0; attempt++ {
			if attempt == batchRetries {
				return fmt.Errorf("batch delete: %d items left unprocessed", len(pending[c.tableName]))
			}
			out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("batch delete: %w", err)
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

func threadKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: threadPK(id)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

func (c *Client) threadItem(t domain.Thread) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: threadPK(t.ID)},
		"SK":        &types.AttributeValueMemberS{Value: skMeta},
		"threadId":  &types.AttributeValueMemberS{Value: t.ID},
		"owner":     &types.AttributeValueMemberS{Value: t.Owner},
		"title":     &types.AttributeValueMemberS{Value: t.Title},
		"createdAt": &types.AttributeValueMemberS{Value: formatTS(t.CreatedAt)},
		"updatedAt": &types.AttributeValueMemberS{Value: formatTS(t.UpdatedAt)},
	}
	if !t.LastMessageAt.IsZero() {
		item["lastMessageAt"] = &types.AttributeValueMemberS{Value: formatTS(t.LastMessageAt)}
	}
	c.stampTTL(item)
	return item
}

func (c *Client) messageItem(m domain.Message) (map[string]types.AttributeValue, error) {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return nil, fmt.Errorf("marshal parts: %w", err)
	}
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: threadPK(m.ThreadID)},
		"SK":        &types.AttributeValueMemberS{Value: msgSK(m.CreatedAt, m.ID)},
		"messageId": &types.AttributeValueMemberS{Value: m.ID},
		"threadId":  &types.AttributeValueMemberS{Value: m.ThreadID},
		"owner":     &types.AttributeValueMemberS{Value: m.Owner},
		"role":      &types.AttributeValueMemberS{Value: string(m.Role)},
		"parts":     &types.AttributeValueMemberS{Value: string(parts)},
		"createdAt": &types.AttributeValueMemberS{Value: formatTS(m.CreatedAt)},
	}
	if len(m.Attachments) > 0 {
		atts, err := json.Marshal(m.Attachments)
		if err != nil {
			return nil, fmt.Errorf("marshal attachments: %w", err)
		}
		item["attachments"] = &types.AttributeValueMemberS{Value: string(atts)}
	}
	c.stampTTL(item)
	return item, nil
}

func (c *Client) stampTTL(item map[string]types.AttributeValue) {
	if c.retention <= 0 {
		return
	}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Add(c.retention).Unix(), 10)}
}

func itemToThread(item map[string]types.AttributeValue) (domain.Thread, error) {
	id, err := strAttr(item, "threadId")
	if err != nil {
		return domain.Thread{}, err
	}
	owner, err := strAttr(item, "owner")
	if err != nil {
		return domain.Thread{}, err
	}
	title, _ := strAttr(item, "title") // allow empty
	t := domain.Thread{ID: id, Owner: owner, Title: title}
	if t.CreatedAt, err = tsAttr(item, "createdAt"); err != nil {
		return domain.Thread{}, err
	}
	if t.UpdatedAt, err = tsAttr(item, "updatedAt"); err != nil {
		return domain.Thread{}, err
	}
	if t.LastMessageAt, err = tsAttr(item, "lastMessageAt"); err != nil {
		return domain.Thread{}, err
	}
	return t, nil
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	threadID, err := strAttr(item, "threadId")
	if err != nil {
		return domain.Message{}, err
	}
	owner, err := strAttr(item, "owner")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	m := domain.Message{ID: id, ThreadID: threadID, Owner: owner, Role: domain.Role(role)}
	if raw, _ := strAttr(item, "parts"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Parts); err != nil {
			return domain.Message{}, fmt.Errorf("repository: decode parts: %w", err)
		}
	}
	if raw, _ := strAttr(item, "attachments"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Attachments); err != nil {
			return domain.Message{}, fmt.Errorf("repository: decode attachments: %w", err)
		}
	}
	if m.CreatedAt, err = tsAttr(item, "createdAt"); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

// tsAttr reads an optional timestamp attribute.
func tsAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	v, ok := item[key]
	if !ok {
		return time.Time{}, nil
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return time.Time{}, fmt.Errorf("repository: attribute %q is not a string", key)
	}
	ts, err := parseTS(s.Value)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts, nil
}
