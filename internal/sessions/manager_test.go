package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestManager(store Store, ttl time.Duration) (*Manager, *clock) {
	c := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	m := NewManager(store, ttl, nil)
	m.now = c.now
	return m, c
}

func TestManager_CreateAndGet(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore(), time.Hour)
	ctx := context.Background()

	s, err := m.Create(ctx, "", "owner-1", "guild-1", Config{MaxFiles: 2})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, StatusInitialized, s.Status)
	assert.Equal(t, s.CreatedAt.Add(time.Hour), s.ExpiresAt)

	got, err := m.Get(ctx, s.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(s, got); diff != "" {
		t.Fatalf("session mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_CreateDefaultsMaxFiles(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore(), 0)
	s, err := m.Create(context.Background(), "s1", "o", "g", Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Config.MaxFiles)
	assert.Equal(t, s.CreatedAt.Add(DefaultTTL), s.ExpiresAt)
}

func TestManager_GetAfterTTLIsNotFound(t *testing.T) {
	m, c := newTestManager(NewMemoryStore(), time.Hour)
	ctx := context.Background()

	s, err := m.Create(ctx, "s1", "o", "g", Config{MaxFiles: 1})
	require.NoError(t, err)

	c.t = c.t.Add(time.Hour)
	_, err = m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, common.ErrSessionNotFound)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrSessionNotFound)
}

func TestManager_RecordFileCompleteLifecycle(t *testing.T) {
	m, c := newTestManager(NewMemoryStore(), time.Hour)
	ctx := context.Background()

	_, err := m.Create(ctx, "s1", "o", "g", Config{MaxFiles: 2})
	require.NoError(t, err)

	c.t = c.t.Add(time.Minute)
	s, err := m.RecordFileComplete(ctx, "s1", FileRecord{FileID: "f1", MemoryID: "m1", Name: "a.jpg", Status: "completed"})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, s.Status)
	assert.Equal(t, "m1", s.MemoryID)
	assert.Equal(t, c.t, s.LastUpdated)
	assert.Equal(t, c.t, s.Files[0].CompletedAt)

	s, err = m.RecordFileComplete(ctx, "s1", FileRecord{FileID: "f2", MemoryID: "m1", Name: "b.jpg"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Len(t, s.Files, 2)

	_, err = m.RecordFileComplete(ctx, "s1", FileRecord{FileID: "f3"})
	assert.ErrorIs(t, err, common.ErrSessionLimitReached)
}

func TestManager_RecordFileCompleteErrors(t *testing.T) {
	m, c := newTestManager(NewMemoryStore(), time.Hour)
	ctx := context.Background()

	_, err := m.RecordFileComplete(ctx, "nope", FileRecord{})
	assert.ErrorIs(t, err, common.ErrSessionNotFound)

	_, err = m.Create(ctx, "s1", "o", "g", Config{MaxFiles: 3})
	require.NoError(t, err)
	c.t = c.t.Add(2 * time.Hour)
	_, err = m.RecordFileComplete(ctx, "s1", FileRecord{FileID: "f1"})
	assert.ErrorIs(t, err, common.ErrSessionExpired)
}

func TestManager_ConcurrentRecordsRespectLimit(t *testing.T) {
	m, _ := newTestManager(NewMemoryStore(), time.Hour)
	ctx := context.Background()
	_, err := m.Create(ctx, "s1", "o", "g", Config{MaxFiles: 5})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	okCount := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.RecordFileComplete(ctx, "s1", FileRecord{FileID: NewID()}); err == nil {
				mu.Lock()
				okCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, okCount)
	s, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, s.Files, 5)
}

func TestManager_Sweep(t *testing.T) {
	store := NewMemoryStore()
	m, c := newTestManager(store, time.Hour)
	ctx := context.Background()

	_, _ = m.Create(ctx, "old", "o", "g", Config{})
	c.t = c.t.Add(30 * time.Minute)
	_, _ = m.Create(ctx, "new", "o", "g", Config{})
	c.t = c.t.Add(31 * time.Minute)

	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, &Session{ID: "s1", Files: []FileRecord{{FileID: "f1"}}}))

	got, err := store.Get(ctx, "s1")
	require.NoError(t, err)
	got.Files[0].FileID = "mutated"

	again, _ := store.Get(ctx, "s1")
	assert.Equal(t, "f1", again.Files[0].FileID)
}

type fakeDynamo struct {
	items  map[string]map[string]types.AttributeValue
	getErr error
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	id := in.Key["session_id"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[id]}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	id := in.Item["session_id"].(*types.AttributeValueMemberS).Value
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoStore_PutGet(t *testing.T) {
	api := &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
	store := NewDynamoStore(api, "upload_sessions")
	m, _ := newTestManager(store, time.Hour)
	ctx := context.Background()

	s, err := m.Create(ctx, "s1", "o", "g", Config{MaxFiles: 2, AllowedCategories: []string{"image"}})
	require.NoError(t, err)

	item := api.items["s1"]
	require.Contains(t, item, "ttl")
	var ttl int64
	require.NoError(t, attributevalue.Unmarshal(item["ttl"], &ttl))
	assert.Equal(t, s.ExpiresAt.Unix(), ttl)

	_, err = m.RecordFileComplete(ctx, "s1", FileRecord{FileID: "f1", MemoryID: "m1"})
	require.NoError(t, err)

	got, err := m.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.MemoryID)
	assert.Equal(t, []string{"image"}, got.Config.AllowedCategories)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "f1", got.Files[0].FileID)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	api.getErr = errors.New("throttled")
	_, err = m.Get(ctx, "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}
