package command

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/rangectl/internal/testutil/testlog"
)

func TestSetCounts(t *testing.T) {
	testlog.Start(t)
	if SetGeneral.Count() != 10 || SetLidar.Count() != 4 || SetHub.Count() != 8 {
		t.Fatalf("unexpected counts general=%d lidar=%d hub=%d", SetGeneral.Count(), SetLidar.Count(), SetHub.Count())
	}
	if Set(3).Valid() {
		t.Fatalf("set 3 should be invalid")
	}
	if got := len(All()); got != 22 {
		t.Fatalf("All() len=%d want 22", got)
	}
}

func TestNewRejectsOutOfRange(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		set Set
		id  int
	}{
		{SetGeneral, 10},
		{SetLidar, 4},
		{SetHub, 8},
		{SetLidar, -1},
		{SetHub, 256},
		{Set(7), 0},
	}
	for _, tc := range cases {
		if _, err := New(tc.set, tc.id); !errors.Is(err, ErrInvalidCommand) {
			t.Fatalf("New(%s,%d) err=%v want ErrInvalidCommand", tc.set, tc.id, err)
		}
	}
	c, err := New(SetLidar, 3)
	if err != nil {
		t.Fatalf("New(lidar,3): %v", err)
	}
	if c != LidarControlRainFogSuppression.Command() {
		t.Fatalf("unexpected command %s", c)
	}
}

func TestNamespacesAreDisjoint(t *testing.T) {
	testlog.Start(t)
	if LidarSetMode.Command() == HubQueryLidarInformation.Command() {
		t.Fatalf("lidar.0 and hub.0 must differ")
	}
	if GeneralBroadcast.Command() == LidarSetMode.Command() {
		t.Fatalf("general.0 and lidar.0 must differ")
	}
	if HubSetMode.Command().String() != "hub.set_mode" || LidarSetMode.Command().String() != "lidar.set_mode" {
		t.Fatalf("unexpected names %s %s", HubSetMode.Command(), LidarSetMode.Command())
	}
}

func TestParse(t *testing.T) {
	testlog.Start(t)
	c, err := Parse("Lidar.Set_Mode")
	if err != nil || c != LidarSetMode.Command() {
		t.Fatalf("parse lidar.set_mode got=%s err=%v", c, err)
	}
	c, err = Parse("general.3")
	if err != nil || c != GeneralHeartbeat.Command() {
		t.Fatalf("parse general.3 got=%s err=%v", c, err)
	}
	for _, bad := range []string{"lidar", "lidar.9", "pump.on", "hub.-1", "general.nope"} {
		if _, err := Parse(bad); !errors.Is(err, ErrInvalidCommand) {
			t.Fatalf("Parse(%q) err=%v", bad, err)
		}
	}
}

func TestRegistryDefaults(t *testing.T) {
	testlog.Start(t)
	r := DefaultRegistry()
	for _, c := range r.Commands() {
		d, err := r.TimeoutFor(c)
		if err != nil {
			t.Fatalf("TimeoutFor(%s): %v", c, err)
		}
		if d != DefaultTimeout {
			t.Fatalf("TimeoutFor(%s)=%v want %v", c, d, DefaultTimeout)
		}
	}
	if r.MinTimeout() != DefaultTimeout {
		t.Fatalf("min timeout=%v", r.MinTimeout())
	}
	if _, err := r.TimeoutFor(LidarID(4).Command()); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
	if _, err := r.TimeoutFor(Raw(SetGeneral, 200)); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestRegistryOverrides(t *testing.T) {
	testlog.Start(t)
	r, err := NewRegistry(map[Command]time.Duration{
		HubQueryLidarDeviceStatus.Command(): 2 * time.Second,
		GeneralHeartbeat.Command():          200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if d, _ := r.TimeoutFor(HubQueryLidarDeviceStatus.Command()); d != 2*time.Second {
		t.Fatalf("override not applied: %v", d)
	}
	if d, _ := r.TimeoutFor(LidarSetMode.Command()); d != DefaultTimeout {
		t.Fatalf("default not kept: %v", d)
	}
	if r.MinTimeout() != 200*time.Millisecond {
		t.Fatalf("min timeout=%v", r.MinTimeout())
	}

	if _, err := NewRegistry(map[Command]time.Duration{LidarSetMode.Command(): 0}); err == nil {
		t.Fatalf("expected error for zero timeout")
	}
	if _, err := NewRegistry(map[Command]time.Duration{Raw(SetHub, 8): time.Second}); !errors.Is(err, ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}
