package rpc

import "testing"

func TestIdgenSmallestFree(t *testing.T) {
	var g idgen
	var got []uint32
	for i := 0; i < 4; i++ {
		got = append(got, g.next32())
	}
	want := []uint32{0, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("next32() sequence = %v; want %v", got, want)
		}
	}

	g.release(1)
	g.release(2)
	if id := g.next32(); id != 1 {
		t.Errorf("next32() after releasing 1,2 = %d; want 1 (smallest free)", id)
	}
	if id := g.next32(); id != 2 {
		t.Errorf("next32() after releasing 1,2 then taking 1 = %d; want 2", id)
	}
	if id := g.next32(); id != 4 {
		t.Errorf("next32() with no free ids = %d; want 4 (next unused)", id)
	}
}

func TestIdgenReuseAfterRelease(t *testing.T) {
	var g idgen
	id := g.next32()
	g.release(id)
	if got := g.next32(); got != id {
		t.Errorf("next32() after releasing the only allocated id = %d; want %d", got, id)
	}
}
