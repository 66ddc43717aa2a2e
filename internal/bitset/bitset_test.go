package bitset

import "testing"

func TestZero(t *testing.T) {
	var s Set
	if n := s.Len(); n != 0 {
		t.Fatalf("Set.Len:\nhave %d\nwant 0", n)
	}
	if n := s.Free(); n != 0 {
		t.Fatalf("Set.Free:\nhave %d\nwant 0", n)
	}
}

func TestGrow(t *testing.T) {
	var s Set
	for _, x := range [...]struct{ n, wantLen int }{
		{1, nbit},
		{2, nbit * 3},
		{0, nbit * 3},
		{4, nbit * 7},
	} {
		s.Grow(x.n)
		if n := s.Len(); n != x.wantLen {
			t.Fatalf("Set.Grow: Len:\nhave %d\nwant %d", n, x.wantLen)
		}
		if n := s.Free(); n != x.wantLen {
			t.Fatalf("Set.Grow: Free:\nhave %d\nwant %d", n, x.wantLen)
		}
	}
}

func TestSetUnset(t *testing.T) {
	var s Set
	s.Grow(1)
	s.Set(3)
	if !s.IsSet(3) {
		t.Fatal("Set.IsSet: have false, want true")
	}
	if n := s.Free(); n != nbit-1 {
		t.Fatalf("Set.Free:\nhave %d\nwant %d", n, nbit-1)
	}
	s.Set(3) // idempotent
	if n := s.Free(); n != nbit-1 {
		t.Fatalf("Set.Free after repeat Set:\nhave %d\nwant %d", n, nbit-1)
	}
	s.Unset(3)
	if s.IsSet(3) {
		t.Fatal("Set.IsSet after Unset: have true, want false")
	}
	if n := s.Free(); n != nbit {
		t.Fatalf("Set.Free after Unset:\nhave %d\nwant %d", n, nbit)
	}
}

func TestFind(t *testing.T) {
	var s Set
	s.Grow(1)
	for i := 0; i < nbit; i++ {
		idx, ok := s.Find()
		if !ok {
			t.Fatalf("Set.Find: ok=false at iteration %d", i)
		}
		if idx != i {
			t.Fatalf("Set.Find:\nhave %d\nwant %d", idx, i)
		}
		s.Set(idx)
	}
	if _, ok := s.Find(); ok {
		t.Fatal("Set.Find: expected ok=false once full")
	}
}

func TestFindRange(t *testing.T) {
	var s Set
	s.Grow(2)
	s.Set(0)
	s.Set(1)
	idx, ok := s.FindRange(5)
	if !ok || idx != 2 {
		t.Fatalf("Set.FindRange:\nhave (%d, %t)\nwant (2, true)", idx, ok)
	}
	s.SetRange(idx, 5)
	for i := 2; i < 7; i++ {
		if !s.IsSet(i) {
			t.Fatalf("Set.SetRange: bit %d not set", i)
		}
	}
	if n := s.Free(); n != nbit*2-7 {
		t.Fatalf("Set.Free after FindRange/SetRange:\nhave %d\nwant %d", n, nbit*2-7)
	}
}

func TestFindRangeExhausted(t *testing.T) {
	var s Set
	s.Grow(1)
	s.SetRange(0, nbit-2)
	if _, ok := s.FindRange(3); ok {
		t.Fatal("Set.FindRange: expected ok=false, not enough contiguous bits")
	}
	idx, ok := s.FindRange(2)
	if !ok || idx != nbit-2 {
		t.Fatalf("Set.FindRange:\nhave (%d, %t)\nwant (%d, true)", idx, ok, nbit-2)
	}
}

func TestClear(t *testing.T) {
	var s Set
	s.Grow(2)
	s.SetRange(0, 10)
	s.Clear()
	if n := s.Free(); n != s.Len() {
		t.Fatalf("Set.Clear: Free:\nhave %d\nwant %d", n, s.Len())
	}
	for i := 0; i < 10; i++ {
		if s.IsSet(i) {
			t.Fatalf("Set.Clear: bit %d still set", i)
		}
	}
}

func TestAll(t *testing.T) {
	var s Set
	s.Grow(1)
	s.Set(2)
	s.Set(5)
	var setBits []int
	s.All(func(index int, set bool) bool {
		if set {
			setBits = append(setBits, index)
		}
		return true
	})
	if len(setBits) != 2 || setBits[0] != 2 || setBits[1] != 5 {
		t.Fatalf("Set.All:\nhave %v\nwant [2 5]", setBits)
	}
}
