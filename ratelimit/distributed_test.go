package ratelimit

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agent-toolbox/toolbox/bus"
)

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestDistributed(t *testing.T, mbus bus.MessageBus, id string, opts ...Option) *DistributedLimiter {
	t.Helper()
	d, err := NewDistributedLimiter(DistributedConfig{
		Bus:              mbus,
		InstanceID:       id,
		RecoveryInterval: time.Hour,
	}, opts...)
	if err != nil {
		t.Fatalf("NewDistributedLimiter failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDistributedConfig_Validate(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	tests := []struct {
		name   string
		config DistributedConfig
	}{
		{"nil bus", DistributedConfig{}},
		{"reduce factor one", DistributedConfig{Bus: mbus, ReduceFactor: 1}},
		{"negative reduce factor", DistributedConfig{Bus: mbus, ReduceFactor: -0.5}},
		{"recovery factor below one", DistributedConfig{Bus: mbus, RecoveryFactor: 0.9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDistributedLimiter(tt.config); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestDistributedLimiter_DefaultInstanceID(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	a := newTestDistributed(t, mbus, "")
	b := newTestDistributed(t, mbus, "")

	if a.InstanceID() == "" {
		t.Error("expected generated instance ID")
	}
	if a.InstanceID() == b.InstanceID() {
		t.Error("expected distinct instance IDs")
	}
}

func TestDistributedLimiter_LocalAcquire(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	d := newTestDistributed(t, mbus, "a")
	d.SetCapacity("api", 2, time.Minute)

	if !d.TryAcquire("api") || !d.TryAcquire("api") {
		t.Fatal("expected two admissions")
	}
	if d.TryAcquire("api") {
		t.Error("expected third admission to fail")
	}
	if err := d.For("api").TryAcquire(1); !errors.Is(err, ErrRateLimitExceeded) {
		t.Errorf("expected ErrRateLimitExceeded from bound limiter, got %v", err)
	}
	if stats := d.Stats(); len(stats) != 1 || stats[0].InWindow != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestDistributedLimiter_AnnounceReducedReachesPeers(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	a := newTestDistributed(t, mbus, "a")
	b := newTestDistributed(t, mbus, "b")

	a.SetCapacity("shared-api", 100, time.Minute)
	b.SetCapacity("shared-api", 100, time.Minute)

	var mu sync.Mutex
	var got *CapacityUpdate
	b.OnCapacityChange(func(u *CapacityUpdate) {
		mu.Lock()
		got = u
		mu.Unlock()
	})

	a.AnnounceReduced("shared-api", "received 429")

	if cap := a.GetCapacity("shared-api"); cap.Total != 50 {
		t.Errorf("expected local capacity 50, got %d", cap.Total)
	}

	eventually(t, func() bool {
		return b.GetCapacity("shared-api").Total == 50
	}, "peer capacity was not reduced")

	mu.Lock()
	defer mu.Unlock()
	if got == nil {
		t.Fatal("expected callback")
	}
	if got.InstanceID != "a" || got.NewCapacity != 50 || got.Reason != "received 429" {
		t.Errorf("unexpected update: %+v", got)
	}
}

func TestDistributedLimiter_IgnoresOwnUpdates(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	d := newTestDistributed(t, mbus, "a")
	d.SetCapacity("api", 100, time.Minute)

	data, _ := json.Marshal(CapacityUpdate{Resource: "api", InstanceID: "a", NewCapacity: 10})
	d.handleUpdate(&bus.Message{Subject: CapacitySubject, Data: data})

	if cap := d.GetCapacity("api"); cap.Total != 100 {
		t.Errorf("own update applied: capacity %d", cap.Total)
	}
}

func TestDistributedLimiter_IgnoresLargerOrUnknown(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	d := newTestDistributed(t, mbus, "a")
	d.SetCapacity("api", 40, time.Minute)

	send := func(u CapacityUpdate) {
		data, _ := json.Marshal(u)
		d.handleUpdate(&bus.Message{Subject: CapacitySubject, Data: data})
	}

	send(CapacityUpdate{Resource: "api", InstanceID: "b", NewCapacity: 80})
	if cap := d.GetCapacity("api"); cap.Total != 40 {
		t.Errorf("larger update applied: capacity %d", cap.Total)
	}

	send(CapacityUpdate{Resource: "api", InstanceID: "b", NewCapacity: 0})
	if cap := d.GetCapacity("api"); cap.Total != 40 {
		t.Errorf("zero update applied: capacity %d", cap.Total)
	}

	send(CapacityUpdate{Resource: "other", InstanceID: "b", NewCapacity: 5})
	if d.GetCapacity("other") != nil {
		t.Error("update for unconfigured resource created it")
	}

	d.handleUpdate(&bus.Message{Subject: CapacitySubject, Data: []byte("not json")})
	if cap := d.GetCapacity("api"); cap.Total != 40 {
		t.Errorf("malformed update changed capacity to %d", cap.Total)
	}
}

func TestDistributedLimiter_Recovery(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	clock := newManualClock()
	d := newTestDistributed(t, mbus, "a", WithClock(clock.Now))
	d.SetCapacity("api", 100, time.Minute)

	d.AnnounceReduced("api", "received 429")
	if cap := d.GetCapacity("api"); cap.Total != 50 {
		t.Fatalf("expected 50 after reduction, got %d", cap.Total)
	}

	// Too soon after the reduction.
	d.attemptRecovery()
	if cap := d.GetCapacity("api"); cap.Total != 50 {
		t.Errorf("recovered too early: %d", cap.Total)
	}

	clock.Advance(time.Hour)
	d.attemptRecovery()
	if cap := d.GetCapacity("api"); cap.Total != 55 {
		t.Errorf("expected 55 after one recovery step, got %d", cap.Total)
	}

	for i := 0; i < 20; i++ {
		d.attemptRecovery()
	}
	if cap := d.GetCapacity("api"); cap.Total != 100 {
		t.Errorf("expected recovery capped at 100, got %d", cap.Total)
	}
}

func TestDistributedLimiter_RecoveryFromOne(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	clock := newManualClock()
	d := newTestDistributed(t, mbus, "a", WithClock(clock.Now))
	d.SetCapacity("api", 2, time.Minute)

	d.AnnounceReduced("api", "received 429")
	if cap := d.GetCapacity("api"); cap.Total != 1 {
		t.Fatalf("expected 1 after reduction, got %d", cap.Total)
	}

	clock.Advance(time.Hour)
	d.attemptRecovery()
	if cap := d.GetCapacity("api"); cap.Total != 2 {
		t.Errorf("expected growth of at least one, got %d", cap.Total)
	}
}

func TestDistributedLimiter_Close(t *testing.T) {
	mbus := bus.NewMemoryBus(bus.DefaultConfig())
	defer mbus.Close()

	d, err := NewDistributedLimiter(DistributedConfig{Bus: mbus, InstanceID: "a"})
	if err != nil {
		t.Fatalf("NewDistributedLimiter failed: %v", err)
	}
	d.SetCapacity("api", 1, time.Minute)

	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if d.TryAcquire("api") {
		t.Error("expected TryAcquire to fail after Close")
	}
}
