package mock

import (
	"context"
	"testing"
	"time"
)

func TestAdvance_FiresInOrder(t *testing.T) {
	t.Parallel()

	c := New()
	var got []int
	c.AfterFunc(300*time.Millisecond, func() { got = append(got, 3) })
	c.AfterFunc(100*time.Millisecond, func() { got = append(got, 1) })
	stopped := c.AfterFunc(200*time.Millisecond, func() { got = append(got, 2) })
	if !stopped.Stop() {
		t.Fatal("Stop on pending timer should return true")
	}

	c.Advance(250 * time.Millisecond)
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("after 250ms: got %v, want [1]", got)
	}
	c.Advance(50 * time.Millisecond)
	if len(got) != 2 || got[1] != 3 {
		t.Fatalf("after 300ms: got %v, want [1 3]", got)
	}
	if c.Pending() != 0 {
		t.Errorf("pending: got %d, want 0", c.Pending())
	}
}

func TestAdvance_CallbackArmsTimer(t *testing.T) {
	t.Parallel()

	c := New()
	fired := 0
	c.AfterFunc(10*time.Millisecond, func() {
		c.AfterFunc(10*time.Millisecond, func() { fired++ })
	})
	c.Advance(25 * time.Millisecond)
	if fired != 1 {
		t.Errorf("nested timer: fired %d times, want 1", fired)
	}
}

func TestSleep_Records(t *testing.T) {
	t.Parallel()

	c := New()
	start := c.Now()
	if err := c.Sleep(context.Background(), 2*time.Second); err != nil {
		t.Fatal(err)
	}
	if got := c.Now().Sub(start); got != 2*time.Second {
		t.Errorf("clock advanced %v, want 2s", got)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Sleep(ctx, time.Second); err == nil {
		t.Error("Sleep on cancelled context should fail")
	}
	if got := c.Sleeps(); len(got) != 1 {
		t.Errorf("sleeps: got %v", got)
	}
}
