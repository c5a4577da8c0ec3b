package fixed

import "testing"

func TestList_PushBeyondCapacity(t *testing.T) {
	l := New[int](2)

	if err := l.Push(1); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := l.Push(2); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !l.Full() {
		t.Error("list should be full")
	}
	if err := l.Push(3); err != ErrCapacity {
		t.Errorf("expected ErrCapacity, got %v", err)
	}
	if l.Len() != 2 || l.Cap() != 2 {
		t.Errorf("Len = %d, Cap = %d, want 2, 2", l.Len(), l.Cap())
	}
}

func TestList_RemovePreservesOrder(t *testing.T) {
	l := New[string](4)
	for _, s := range []string{"a", "b", "c"} {
		_ = l.Push(s)
	}

	if v := l.Remove(1); v != "b" {
		t.Errorf("Remove = %s, want b", v)
	}
	if l.At(0) != "a" || l.At(1) != "c" {
		t.Errorf("order broken: %s %s", l.At(0), l.At(1))
	}
	if err := l.Push("d"); err != nil {
		t.Errorf("Push after Remove failed: %v", err)
	}
	if l.Cap() != 4 {
		t.Errorf("Cap = %d, want 4", l.Cap())
	}
}

func TestList_FindAndPop(t *testing.T) {
	l := New[int](3)
	_ = l.Push(5)
	_ = l.Push(7)

	if i := l.Find(func(v int) bool { return v == 7 }); i != 1 {
		t.Errorf("Find = %d, want 1", i)
	}
	if i := l.Find(func(v int) bool { return v == 9 }); i != -1 {
		t.Errorf("Find = %d, want -1", i)
	}

	v, ok := l.PopFront()
	if !ok || v != 5 {
		t.Errorf("PopFront = %d, %v", v, ok)
	}
	l.Clear()
	if _, ok := l.PopFront(); ok {
		t.Error("PopFront on empty list should fail")
	}
}
