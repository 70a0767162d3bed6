package localcache

import (
	"log/slog"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"

	"lumibot-session/internal/device"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"), slog.Default())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSetGetJSON(t *testing.T) {
	c := testCache(t)

	in := []device.Record{
		{ID: "A1B2", Name: "Bedroom", Kind: device.KindLight, AddedAt: 1000},
		{ID: "BEEF", Name: "Window", Kind: device.KindBlind, AddedAt: 2000},
	}
	c.SetJSON(KeyDevices, in)

	var out []device.Record
	if !c.GetJSON(KeyDevices, &out) {
		t.Fatal("GetJSON reported missing after SetJSON")
	}
	if len(out) != 2 || out[0].ID != "A1B2" || out[1].Kind != device.KindBlind {
		t.Errorf("round trip mismatch: %+v", out)
	}
}

func TestGetJSONMissingLeavesDefault(t *testing.T) {
	c := testCache(t)

	order := []string{"FFFF"}
	if c.GetJSON(KeyDeviceOrder, &order) {
		t.Error("GetJSON = true for missing key")
	}
	if len(order) != 1 || order[0] != "FFFF" {
		t.Errorf("default mutated: %v", order)
	}
}

func TestGetJSONMalformedLeavesDefault(t *testing.T) {
	c := testCache(t)

	// Another writer may leave garbage behind; readers must tolerate it.
	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(Namespace+KeyDevices), []byte("{not json"))
	})
	if err != nil {
		t.Fatal(err)
	}

	out := map[string]int{"sentinel": 1}
	if c.GetJSON(KeyDevices, &out) {
		t.Error("GetJSON = true for malformed value")
	}
	if out["sentinel"] != 1 {
		t.Error("default mutated on parse failure")
	}
}

func TestRemove(t *testing.T) {
	c := testCache(t)
	c.SetString(KeyTheme, "dark")
	c.Remove(KeyTheme)
	if got := c.GetString(KeyTheme, "light"); got != "light" {
		t.Errorf("GetString after Remove = %q, want default", got)
	}
}

func TestBrokerOverrides(t *testing.T) {
	c := testCache(t)

	host, port, path := c.BrokerOverrides()
	if host != "" || port != "" || path != "" {
		t.Errorf("expected empty overrides, got %q %q %q", host, port, path)
	}

	c.SetString(KeyBrokerIP, "broker.example.net")
	c.SetString(KeyBrokerPort, "8884")
	c.SetString(KeyBrokerPath, "/mqtt")

	host, port, path = c.BrokerOverrides()
	if host != "broker.example.net" || port != "8884" || path != "/mqtt" {
		t.Errorf("overrides = %q %q %q", host, port, path)
	}
}

func TestPerDeviceStateSlice(t *testing.T) {
	c := testCache(t)

	on := true
	mode := 1
	st := device.State{
		Frame:      device.Frame{Light: &on, Mode: &mode, Config: map[string]any{"city": "Oslo"}},
		Online:     device.Online,
		LastUpdate: 999,
	}
	c.SetJSON(StateKey("A1B2"), device.CacheSlice(st))

	var back device.State
	if !c.GetJSON(StateKey("A1B2"), &back) {
		t.Fatal("cached state slice missing")
	}
	if back.Mode == nil || *back.Mode != 1 {
		t.Error("mode lost")
	}
	if back.Config["city"] != "Oslo" {
		t.Error("config lost")
	}
	if back.Online != device.Online {
		t.Error("online flag lost")
	}
}

func TestStateKeyNames(t *testing.T) {
	if got := StateKey("A1B2"); got != "state-A1B2" {
		t.Errorf("StateKey = %q", got)
	}
	if got := BlindStateKey("BEEF"); got != "blind-state-BEEF" {
		t.Errorf("BlindStateKey = %q", got)
	}
}
