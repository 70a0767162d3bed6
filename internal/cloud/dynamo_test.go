package cloud

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"lumibot-session/internal/device"
)

// fakeDynamo is an in-memory stand-in for the DynamoDB client, just
// enough for the operations the adapter issues.
type fakeDynamo struct {
	mu          sync.Mutex
	items       map[string]map[string]types.AttributeValue
	failDeletes bool
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	uid := item["userId"].(*types.AttributeValueMemberS).Value
	doc := item["docId"].(*types.AttributeValueMemberS).Value
	return uid + "|" + doc
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemKey(in.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[itemKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.failDeletes {
		delete(f.items, itemKey(in.Key))
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := itemKey(in.Key)
	item, ok := f.items[key]
	if !ok {
		item = map[string]types.AttributeValue{
			"userId": in.Key["userId"],
			"docId":  in.Key["docId"],
		}
	}
	// Apply "SET <name> = <value>, ..." assignments.
	expr := strings.TrimPrefix(*in.UpdateExpression, "SET ")
	for _, assign := range strings.Split(expr, ", ") {
		parts := strings.Split(assign, " = ")
		name, val := parts[0], parts[1]
		if resolved, ok := in.ExpressionAttributeNames[name]; ok {
			name = resolved
		}
		item[name] = in.ExpressionAttributeValues[val]
	}
	f.items[key] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uid := in.ExpressionAttributeValues[":uid"].(*types.AttributeValueMemberS).Value
	var items []map[string]types.AttributeValue
	for k, item := range f.items {
		if strings.HasPrefix(k, uid+"|") {
			items = append(items, item)
		}
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func testStore(t *testing.T, opts ...DynamoOption) (*DynamoStore, *fakeDynamo) {
	t.Helper()
	fake := newFakeDynamo()
	return newDynamoStore(fake, "lumibot", slog.Default(), opts...), fake
}

func TestAddGetDevice(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	doc := Document{Record: device.Record{ID: " a1b2 ", Name: "Bedroom", Kind: device.KindLight, AddedAt: 1000}}
	if err := s.AddDevice(ctx, "u1", doc); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	got, err := s.GetDevice(ctx, "u1", "A1B2")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.ID != "A1B2" {
		t.Errorf("ID = %q, want normalized A1B2", got.ID)
	}
	if got.Name != "Bedroom" || got.Kind != device.KindLight {
		t.Errorf("record mismatch: %+v", got)
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.GetDevice(context.Background(), "u1", "CAFE")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListDevicesFiltersAndSorts(t *testing.T) {
	s, fake := testStore(t)
	ctx := context.Background()

	for _, doc := range []Document{
		{Record: device.Record{ID: "A1B2", Name: "Old", Kind: device.KindLight, AddedAt: 1000}},
		{Record: device.Record{ID: "BEEF", Name: "New", Kind: device.KindBlind, AddedAt: 3000}},
	} {
		if err := s.AddDevice(ctx, "u1", doc); err != nil {
			t.Fatal(err)
		}
	}
	// A row with a garbage key, as a buggy writer might leave behind.
	fake.items["u1|ZZZZ"] = map[string]types.AttributeValue{
		"userId": &types.AttributeValueMemberS{Value: "u1"},
		"docId":  &types.AttributeValueMemberS{Value: "ZZZZ"},
	}
	// The user scalar row must never appear in the roster.
	if err := s.SaveDeviceOrder(ctx, "u1", []string{"BEEF", "A1B2"}); err != nil {
		t.Fatal(err)
	}

	docs, err := s.ListDevices(ctx, "u1")
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2: %+v", len(docs), docs)
	}
	if docs[0].ID != "BEEF" || docs[1].ID != "A1B2" {
		t.Errorf("order = %s,%s, want BEEF,A1B2 (addedAt desc)", docs[0].ID, docs[1].ID)
	}
}

func TestRemoveDeviceVerifiesAbsence(t *testing.T) {
	s, fake := testStore(t)
	ctx := context.Background()

	if err := s.AddDevice(ctx, "u1", Document{Record: device.Record{ID: "CAFE", AddedAt: 1}}); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveDevice(ctx, "u1", "cafe"); err != nil {
		t.Fatalf("RemoveDevice: %v", err)
	}

	docs, err := s.ListDevices(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range docs {
		if d.ID == "CAFE" {
			t.Error("removed device still listed")
		}
	}

	// A delete the backend silently ignores must be reported.
	if err := s.AddDevice(ctx, "u1", Document{Record: device.Record{ID: "CAFE", AddedAt: 1}}); err != nil {
		t.Fatal(err)
	}
	fake.failDeletes = true
	if err := s.RemoveDevice(ctx, "u1", "CAFE"); err == nil {
		t.Error("RemoveDevice = nil, want error when document survives the delete")
	}
}

func TestUpdateDeviceUpserts(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	// Document absent: update creates it.
	if err := s.UpdateDevice(ctx, "u1", "FFEE", map[string]any{"name": "Porch"}); err != nil {
		t.Fatalf("UpdateDevice: %v", err)
	}
	got, err := s.GetDevice(ctx, "u1", "FFEE")
	if err != nil {
		t.Fatalf("GetDevice after upsert: %v", err)
	}
	if got.Name != "Porch" {
		t.Errorf("name = %q, want Porch", got.Name)
	}
	if got.ID != "FFEE" {
		t.Errorf("id = %q, want FFEE written on upsert", got.ID)
	}

	// Patch merges: untouched attributes persist.
	if err := s.UpdateDevice(ctx, "u1", "FFEE", map[string]any{
		"config": map[string]any{"alarmEnabled": true},
	}); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetDevice(ctx, "u1", "FFEE")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Porch" {
		t.Errorf("name lost by patch: %q", got.Name)
	}
	if got.Config["alarmEnabled"] != true {
		t.Errorf("config not applied: %v", got.Config)
	}
}

func TestDeviceOrderRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if err := s.SaveDeviceOrder(ctx, "u1", []string{"beef", "ZZZZ", " A1B2 "}); err != nil {
		t.Fatalf("SaveDeviceOrder: %v", err)
	}
	order, err := s.GetDeviceOrder(ctx, "u1")
	if err != nil {
		t.Fatalf("GetDeviceOrder: %v", err)
	}
	if len(order) != 2 || order[0] != "BEEF" || order[1] != "A1B2" {
		t.Errorf("order = %v, want [BEEF A1B2]", order)
	}
}

func TestSubscribeToDevicesDeliversChanges(t *testing.T) {
	s, _ := testStore(t, WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	snapshots := make(chan []Document, 8)
	unsub := s.SubscribeToDevices("u1", func(docs []Document) {
		snapshots <- docs
	})
	defer unsub()

	// First poll delivers the (empty) roster.
	select {
	case docs := <-snapshots:
		if len(docs) != 0 {
			t.Fatalf("first snapshot = %d docs, want 0", len(docs))
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	if err := s.AddDevice(ctx, "u1", Document{Record: device.Record{ID: "A1B2", AddedAt: 1}}); err != nil {
		t.Fatal(err)
	}

	select {
	case docs := <-snapshots:
		if len(docs) != 1 || docs[0].ID != "A1B2" {
			t.Fatalf("snapshot = %+v, want one A1B2 doc", docs)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after roster change")
	}
}

func TestSubscribeToDeviceReportsDeletion(t *testing.T) {
	s, _ := testStore(t, WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	if err := s.AddDevice(ctx, "u1", Document{Record: device.Record{ID: "CAFE", AddedAt: 1}}); err != nil {
		t.Fatal(err)
	}

	updates := make(chan *Document, 8)
	unsub := s.SubscribeToDevice("u1", "CAFE", func(doc *Document) {
		updates <- doc
	})
	defer unsub()

	select {
	case doc := <-updates:
		if doc == nil || doc.ID != "CAFE" {
			t.Fatalf("first update = %+v, want CAFE doc", doc)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial update")
	}

	if err := s.RemoveDevice(ctx, "u1", "CAFE"); err != nil {
		t.Fatal(err)
	}

	select {
	case doc := <-updates:
		if doc != nil {
			t.Fatalf("update after delete = %+v, want nil", doc)
		}
	case <-time.After(time.Second):
		t.Fatal("deletion not delivered")
	}
}

func TestSubscribeInvalidIDIsNoop(t *testing.T) {
	s, _ := testStore(t, WithPollInterval(10*time.Millisecond))
	called := make(chan struct{}, 1)
	unsub := s.SubscribeToDevice("u1", "!!!!", func(*Document) {
		called <- struct{}{}
	})
	defer unsub()
	select {
	case <-called:
		t.Fatal("callback fired for invalid id")
	case <-time.After(50 * time.Millisecond):
	}
}
