package switchbox

import (
	"context"
	"testing"
	"time"
)

type countingDirectory struct {
	polls int
	after int
	box   *SwitchBox
}

func (cd *countingDirectory) Lookup(name string) (*SwitchBox, bool) {
	cd.polls++
	if cd.box != nil && cd.polls >= cd.after {
		return cd.box, true
	}
	return nil, false
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	box := &SwitchBox{Name: "main"}

	err := reg.Register(box)
	assertNoError(t, err)

	found, ok := reg.Lookup("main")
	if !ok || found != box {
		t.Error("registered box not found")
	}

	_, ok = reg.Lookup("other")
	if ok {
		t.Error("lookup of unknown name succeeded")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(&SwitchBox{Name: "main"})
	assertNoError(t, err)

	err = reg.Register(&SwitchBox{Name: "main"})
	assertErrorIs(t, err, ErrConfiguration)
}

func TestRegistryRejectsUnnamed(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(&SwitchBox{})
	assertErrorIs(t, err, ErrConfiguration)

	err = reg.Register(nil)
	assertErrorIs(t, err, ErrConfiguration)
}

func TestRegistryNamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		err := reg.Register(&SwitchBox{Name: name})
		assertNoError(t, err)
	}

	names := reg.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("got %d names, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, names[i], want[i])
		}
	}

	if boxes := reg.Boxes(); len(boxes) != len(want) {
		t.Errorf("got %d boxes, want %d", len(boxes), len(want))
	}
}

func TestBindImmediate(t *testing.T) {
	box := &SwitchBox{Name: "main"}
	dir := &countingDirectory{box: box, after: 1}

	bound, err := Bind(context.Background(), dir, "main", time.Millisecond, 6)
	assertNoError(t, err)
	if bound != box {
		t.Error("bound to wrong box")
	}
	if dir.polls != 1 {
		t.Errorf("got %d polls, want 1", dir.polls)
	}
}

func TestBindThirdPoll(t *testing.T) {
	box := &SwitchBox{Name: "main"}
	dir := &countingDirectory{box: box, after: 3}

	bound, err := Bind(context.Background(), dir, "main", time.Millisecond, 6)
	assertNoError(t, err)
	if bound != box {
		t.Error("bound to wrong box")
	}
	if dir.polls != 3 {
		t.Errorf("got %d polls, want 3", dir.polls)
	}
}

func TestBindExhaustsAttempts(t *testing.T) {
	dir := &countingDirectory{}

	_, err := Bind(context.Background(), dir, "missing", time.Millisecond, 4)
	assertErrorIs(t, err, ErrConfiguration)
	if dir.polls != 4 {
		t.Errorf("got %d polls, want exactly 4", dir.polls)
	}
}

func TestBindContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	dir := &countingDirectory{}

	_, err := Bind(ctx, dir, "missing", time.Minute, 6)
	assertErrorIs(t, err, ErrConfiguration)
	if dir.polls != 1 {
		t.Errorf("got %d polls, want 1 before cancellation", dir.polls)
	}
}

func TestBindRejectsEmptyName(t *testing.T) {
	_, err := Bind(context.Background(), NewRegistry(), "", time.Millisecond, 2)
	assertErrorIs(t, err, ErrConfiguration)
}
