package breakpoint

import (
	"errors"
	"sync"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/zot/luadbg/internal/frame"
)

const file = "/src/main.lua"

func frameWith(locals frame.Vars) *frame.MapFrame {
	return &frame.MapFrame{FrameID: 1, File: file, LineNo: 10, LocalV: locals}
}

// TestIgnoreCountSkipsFirstHits verifies n ignored hits precede the first stop
func TestIgnoreCountSkipsFirstHits(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Set(file, 10, "", false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	const n = 3
	if err := r.SetIgnore(file, 10, n); err != nil {
		t.Fatalf("SetIgnore: %v", err)
	}

	f := frameWith(nil)
	for i := 0; i < n; i++ {
		if d := r.Evaluate(file, 10, f); d.Stop {
			t.Fatalf("hit %d should be ignored", i+1)
		}
	}
	d := r.Evaluate(file, 10, f)
	if !d.Stop || !d.RemoveIfTemporary {
		t.Errorf("hit %d should stop: %+v", n+1, d)
	}
	if d.Breakpoint.Hits != n+1 {
		t.Errorf("hits = %d, want %d", d.Breakpoint.Hits, n+1)
	}
}

// TestBrokenConditionAlwaysStops verifies a failing condition stops regardless of ignore count
func TestBrokenConditionAlwaysStops(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Set(file, 10, "undefined_table.field > 1", true); err != nil {
		t.Fatalf("Set: %v", err)
	}
	r.SetIgnore(file, 10, 5)

	for i := 0; i < 3; i++ {
		d := r.Evaluate(file, 10, frameWith(nil))
		if !d.Stop {
			t.Fatal("broken condition must stop")
		}
		if d.RemoveIfTemporary {
			t.Error("broken condition must not remove a temporary breakpoint")
		}
		if d.ConditionError == nil {
			t.Error("expected ConditionError")
		}
	}
	bp, _ := r.Get(file, 10)
	if bp.IgnoreCount != 5 {
		t.Errorf("ignore count consumed on error: %d", bp.IgnoreCount)
	}
}

func TestConditionTruthy(t *testing.T) {
	r := NewRegistry(nil)
	r.Set(file, 10, "x > 3", false)

	if d := r.Evaluate(file, 10, frameWith(frame.Vars{"x": 5})); !d.Stop {
		t.Error("x=5 should stop")
	}
	if d := r.Evaluate(file, 10, frameWith(frame.Vars{"x": 2})); d.Stop {
		t.Error("x=2 should not stop")
	}
}

// TestConditionIgnoreCount verifies ignores are consumed only by truthy hits
func TestConditionIgnoreCount(t *testing.T) {
	r := NewRegistry(nil)
	r.Set(file, 10, "x > 3", false)
	r.SetIgnore(file, 10, 1)

	if d := r.Evaluate(file, 10, frameWith(frame.Vars{"x": 1})); d.Stop {
		t.Error("falsy hit should not stop")
	}
	if d := r.Evaluate(file, 10, frameWith(frame.Vars{"x": 5})); d.Stop {
		t.Error("first truthy hit should be ignored")
	}
	if d := r.Evaluate(file, 10, frameWith(frame.Vars{"x": 5})); !d.Stop {
		t.Error("second truthy hit should stop")
	}
}

// TestSetIsIdempotent verifies the second set replaces the first
func TestSetIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	r.Set(file, 10, "", false)
	r.Set(file, 10, "x == 1", true)

	if r.Len() != 1 {
		t.Fatalf("expected 1 breakpoint, got %d", r.Len())
	}
	bp, ok := r.Get(file, 10)
	if !ok || bp.Condition != "x == 1" || !bp.Temporary {
		t.Errorf("second set should win: %+v", bp)
	}
}

func TestSetRejectsBadCondition(t *testing.T) {
	r := NewRegistry(nil)
	r.Set(file, 10, "", false)
	if _, err := r.Set(file, 10, "x >", false); err == nil {
		t.Fatal("expected compile error")
	}
	bp, _ := r.Get(file, 10)
	if bp.Condition != "" {
		t.Error("failed set must leave the registry unchanged")
	}
}

func TestClearAll(t *testing.T) {
	r := NewRegistry(nil)
	r.Set(file, 10, "", false)
	r.Set(file, 20, "", false)
	r.ClearAll()

	if d := r.Evaluate(file, 10, frameWith(nil)); d.Stop {
		t.Error("cleared breakpoint should not stop")
	}
	if r.HasBreakInFile(file) {
		t.Error("index should be empty after ClearAll")
	}
}

func TestClearMissing(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Clear(file, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDisabledDoesNotStopOrCount(t *testing.T) {
	r := NewRegistry(nil)
	r.Set(file, 10, "", false)
	r.Enable(file, 10, false)

	if d := r.Evaluate(file, 10, frameWith(nil)); d.Stop {
		t.Error("disabled breakpoint should not stop")
	}
	bp, _ := r.Get(file, 10)
	if bp.Hits != 0 {
		t.Errorf("disabled breakpoint counted a hit")
	}
}

// TestIndexInvalidation verifies the line index follows adds and removes
func TestIndexInvalidation(t *testing.T) {
	r := NewRegistry(nil)
	r.Set(file, 30, "", false)
	r.Set(file, 10, "", false)

	lines := r.Lines(file)
	if len(lines) != 2 || lines[0] != 10 || lines[1] != 30 {
		t.Fatalf("lines = %v", lines)
	}

	r.Set(file, 20, "", false)
	if lines := r.Lines(file); len(lines) != 3 || lines[1] != 20 {
		t.Errorf("index not rebuilt after add: %v", lines)
	}

	r.Clear(file, 10)
	if lines := r.Lines(file); len(lines) != 2 || lines[0] != 20 {
		t.Errorf("index not rebuilt after clear: %v", lines)
	}
	if r.HasBreakInFile("/src/other.lua") {
		t.Error("other file has no breakpoints")
	}
}

func TestListSorted(t *testing.T) {
	r := NewRegistry(nil)
	r.Set("/b.lua", 1, "", false)
	r.Set("/a.lua", 9, "", false)
	r.Set("/a.lua", 2, "", false)

	list := r.List()
	if list[0].File != "/a.lua" || list[0].Line != 2 || list[1].Line != 9 || list[2].File != "/b.lua" {
		t.Errorf("unexpected order: %+v %+v %+v", list[0], list[1], list[2])
	}
}

// TestConcurrentEvaluate verifies evaluation is safe alongside mutation
func TestConcurrentEvaluate(t *testing.T) {
	r := NewRegistry(nil)
	r.Set(file, 10, "x > 3", false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Evaluate(file, 10, frameWith(frame.Vars{"x": j}))
				r.HasBreakInFile(file)
			}
		}()
	}
	for j := 0; j < 50; j++ {
		r.Set(file, 100+j, "", false)
	}
	wg.Wait()

	bp, _ := r.Get(file, 10)
	if bp.Hits != 800 {
		t.Errorf("hits = %d, want 800", bp.Hits)
	}
}

// TestClearedDuringConditionDoesNotStop verifies a breakpoint removed while
// its condition runs does not stop
func TestClearedDuringConditionDoesNotStop(t *testing.T) {
	r := NewRegistry(nil)
	if _, err := r.Set(file, 10, "clear_me()", false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	L := lua.NewState()
	defer L.Close()
	clearMe := L.NewFunction(func(L *lua.LState) int {
		r.Clear(file, 10)
		L.Push(lua.LTrue)
		return 1
	})
	f := frameWith(nil)
	f.GlobalV = frame.Vars{"clear_me": clearMe}

	if d := r.Evaluate(file, 10, f); d.Stop {
		t.Errorf("cleared breakpoint stopped: %+v", d)
	}
	if r.Len() != 0 {
		t.Errorf("len = %d, want 0", r.Len())
	}
}
