package state

import (
	"context"
	"testing"
)

type memoryStore struct {
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string) error {
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type testSnapshot struct {
	Symbol string  `msgpack:"symbol"`
	Value  float64 `msgpack:"value"`
	Count  int     `msgpack:"count"`
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newMemoryStore()
	in := testSnapshot{Symbol: "BTCUSDT", Value: 0.42, Count: 7}
	if err := SaveSnapshot(context.Background(), store, "test:snap", in); err != nil {
		t.Fatalf("save: %v", err)
	}
	var out testSnapshot
	ok, err := LoadSnapshot(context.Background(), store, "test:snap", &out)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestLoadSnapshotMissing(t *testing.T) {
	store := newMemoryStore()
	var out testSnapshot
	ok, err := LoadSnapshot(context.Background(), store, "missing", &out)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected no snapshot")
	}
}

func TestLoadSnapshotNilStore(t *testing.T) {
	var out testSnapshot
	ok, err := LoadSnapshot(context.Background(), nil, "key", &out)
	if err != nil || ok {
		t.Fatalf("expected nil store to be a no-op, got ok=%t err=%v", ok, err)
	}
	if err := SaveSnapshot(context.Background(), nil, "key", out); err != nil {
		t.Fatalf("expected nil store save to be a no-op: %v", err)
	}
}
