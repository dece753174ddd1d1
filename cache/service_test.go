package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// mapStore is a RemoteStore backed by a map of JSON documents
type mapStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
	writes int
	expiry time.Duration
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (s *mapStore) GetObject(ctx context.Context, key string, target any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return false, s.getErr
	}
	raw, ok := s.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, target)
}

func (s *mapStore) SetObject(ctx context.Context, key string, value any, expiry time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	s.writes++
	s.expiry = expiry
	return nil
}

func TestGetOrSetMemoryHit(t *testing.T) {
	svc := NewService(newTestMemory(&fakeClock{now: time.Now()}), newMapStore(), discardLogger())
	svc.Memory().Set("p:1", profile{Name: "ada"}, time.Minute)

	v, found, err := GetOrSet[profile](context.Background(), svc, "p:1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ada", v.Name)
}

func TestGetOrSetRemoteHitIsCopiedToMemory(t *testing.T) {
	store := newMapStore()
	require.NoError(t, store.SetObject(context.Background(), "p:2", profile{Name: "grace", Level: 3}, 0))
	svc := NewService(newTestMemory(&fakeClock{now: time.Now()}), store, discardLogger())

	v, found, err := GetOrSet(context.Background(), svc, "p:2", WithRemote[profile](), WithTTL[profile](time.Minute))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, profile{Name: "grace", Level: 3}, v)

	cached, ok := svc.Memory().Get("p:2")
	require.True(t, ok)
	assert.Equal(t, v, cached)
}

func TestGetOrSetRemoteSkippedWithoutOption(t *testing.T) {
	store := newMapStore()
	require.NoError(t, store.SetObject(context.Background(), "p:3", profile{Name: "linus"}, 0))
	svc := NewService(newTestMemory(&fakeClock{now: time.Now()}), store, discardLogger())

	_, found, err := GetOrSet[profile](context.Background(), svc, "p:3")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetOrSetLoaderWritesRemote(t *testing.T) {
	store := newMapStore()
	svc := NewService(newTestMemory(&fakeClock{now: time.Now()}), store, discardLogger())

	load := func(ctx context.Context) (profile, error) {
		return profile{Name: "barbara", Level: 7}, nil
	}

	v, found, err := GetOrSet(context.Background(), svc, "p:4",
		WithRemote[profile](),
		WithTTL[profile](30*time.Second),
		WithLoader(load, true))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "barbara", v.Name)
	assert.Equal(t, 1, store.writes)
	assert.Equal(t, 30*time.Second, store.expiry)

	var stored profile
	ok, err := store.GetObject(context.Background(), "p:4", &stored)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, v, stored)
}

func TestGetOrSetLoaderWithoutWriteBack(t *testing.T) {
	store := newMapStore()
	svc := NewService(nil, store, discardLogger())

	_, found, err := GetOrSet(context.Background(), svc, "p:5",
		WithLoader(func(ctx context.Context) (profile, error) { return profile{Name: "ken"}, nil }, false))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 0, store.writes)
}

func TestGetOrSetRemoteErrorFallsThroughToLoader(t *testing.T) {
	store := newMapStore()
	store.getErr = errors.New("connection refused")
	svc := NewService(nil, store, discardLogger())

	v, found, err := GetOrSet(context.Background(), svc, "p:6",
		WithRemote[profile](),
		WithLoader(func(ctx context.Context) (profile, error) { return profile{Name: "dennis"}, nil }, false))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "dennis", v.Name)
}

func TestGetOrSetLoaderError(t *testing.T) {
	svc := NewService(nil, nil, discardLogger())
	boom := errors.New("boom")

	_, found, err := GetOrSet(context.Background(), svc, "p:7",
		WithLoader(func(ctx context.Context) (profile, error) { return profile{}, boom }, true))
	assert.ErrorIs(t, err, boom)
	assert.False(t, found)
}
