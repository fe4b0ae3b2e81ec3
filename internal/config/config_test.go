package config

import "testing"

func baseParams() Params {
	return Params{
		InstanceID:      "P",
		StreamURIs:      []string{"rtsp://h/0"},
		SourceIDMapping: []int{0},
		StreamServer:    "rtsp://h",
		ModelID:         "m1",
	}
}

func TestNewValidatesInvariants(t *testing.T) {
	if _, err := New(baseParams()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	p := baseParams()
	p.StreamURIs = nil
	p.SourceIDMapping = nil
	if _, err := New(p); err == nil {
		t.Fatalf("expected error for empty stream_uris")
	}

	p = baseParams()
	p.StreamURIs = []string{"not a uri"}
	if _, err := New(p); err == nil {
		t.Fatalf("expected error for malformed uri")
	}

	p = baseParams()
	p.StreamURIs = []string{"rtsp://h/0", "rtsp://h/1"}
	p.SourceIDMapping = []int{0}
	if _, err := New(p); err == nil {
		t.Fatalf("expected error for length mismatch")
	}

	p = baseParams()
	p.StreamURIs = []string{"rtsp://h/0", "rtsp://h/1"}
	p.SourceIDMapping = []int{3, 3}
	if _, err := New(p); err == nil {
		t.Fatalf("expected error for duplicate source id")
	}

	p = baseParams()
	p.BusPort = 70000
	if _, err := New(p); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}

	p = baseParams()
	negFPS := -1.0
	p.MaxFPS = &negFPS
	if _, err := New(p); err == nil {
		t.Fatalf("expected error for non-positive max_fps")
	}

	p = baseParams()
	p.ConfidenceThreshold = 1.5
	if _, err := New(p); err == nil {
		t.Fatalf("expected error for out-of-range confidence")
	}
}

func TestAddRemoveStreamRemapConsistency(t *testing.T) {
	c, err := New(baseParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := c.TakeSnapshot()

	if err := c.AddStream(7); err != nil {
		t.Fatalf("AddStream: %v", err)
	}
	if err := c.RemoveStream(7); err != nil {
		t.Fatalf("RemoveStream: %v", err)
	}
	if !c.Equal(before) {
		t.Fatalf("expected config to return to prior state after add+remove")
	}

	if err := c.RemoveStream(0); err == nil {
		t.Fatalf("expected error removing the last stream")
	}
	if !c.Equal(before) {
		t.Fatalf("failed last-stream removal must leave config unchanged")
	}
}

func TestAddStreamRejectsDuplicate(t *testing.T) {
	c, err := New(baseParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.AddStream(0); err == nil {
		t.Fatalf("expected error adding a duplicate source id")
	}
}

func TestRemoveStreamRejectsUnknown(t *testing.T) {
	c, err := New(baseParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.RemoveStream(99); err == nil {
		t.Fatalf("expected error removing an unknown source id")
	}
}

func TestPublicViewStripsCredentials(t *testing.T) {
	p := baseParams()
	user, pass := "u", "p"
	p.BusUsername = &user
	p.BusPassword = &pass
	c, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	view := c.PublicView()
	if _, ok := view["bus_username"]; ok {
		t.Fatalf("public view must not expose bus_username")
	}
	if _, ok := view["bus_password"]; ok {
		t.Fatalf("public view must not expose bus_password")
	}
	if view["model_id"] != "m1" {
		t.Fatalf("unexpected model_id in public view: %v", view["model_id"])
	}
}

func TestMutationRollsBackOnFailure(t *testing.T) {
	c, err := New(baseParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap := c.TakeSnapshot()

	if err := c.SetMaxFPS(-5); err == nil {
		t.Fatalf("expected SetMaxFPS to reject a non-positive value")
	}
	if !c.Equal(snap) {
		t.Fatalf("failed SetMaxFPS must leave config unchanged")
	}
}

func TestActualSourceIDRemap(t *testing.T) {
	p := baseParams()
	p.StreamURIs = []string{"rtsp://h/a", "rtsp://h/b"}
	p.SourceIDMapping = []int{8, 6}
	c, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got0, err := c.ActualSourceID(0)
	if err != nil || got0 != 8 {
		t.Fatalf("expected actual source id 8, got %d (err=%v)", got0, err)
	}
	got1, err := c.ActualSourceID(1)
	if err != nil || got1 != 6 {
		t.Fatalf("expected actual source id 6, got %d (err=%v)", got1, err)
	}
}
