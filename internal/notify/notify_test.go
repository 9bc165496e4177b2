package notify

import (
	"context"
	"testing"
	"time"
)

func TestNextSkipsToLatest(t *testing.T) {
	v := NewValue(0)
	v.Set(1)
	v.Set(2)
	v.Set(3)

	got, version, err := v.Next(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != 3 || version != 3 {
		t.Errorf("Next = %d (v%d), want 3 (v3)", got, version)
	}
}

func TestNextBlocksUntilSet(t *testing.T) {
	v := NewValue("idle")
	_, version := v.Load()

	go func() {
		time.Sleep(10 * time.Millisecond)
		v.Set("busy")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, _, err := v.Next(ctx, version)
	if err != nil {
		t.Fatal(err)
	}
	if got != "busy" {
		t.Errorf("Next = %q, want busy", got)
	}
}

func TestNextContextCancel(t *testing.T) {
	v := NewValue(5)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, _, err := v.Next(ctx, 0); err == nil {
		t.Error("Next returned without error on an unchanged value")
	}
}

func TestMultipleReaders(t *testing.T) {
	v := NewValue(0)
	results := make(chan int, 3)
	for i := 0; i < 3; i++ {
		go func() {
			got, _, err := v.Next(context.Background(), 0)
			if err != nil {
				results <- -1
				return
			}
			results <- got
		}()
	}
	v.Set(42)
	for i := 0; i < 3; i++ {
		select {
		case got := <-results:
			if got != 42 {
				t.Errorf("reader got %d, want 42", got)
			}
		case <-time.After(time.Second):
			t.Fatal("reader not woken")
		}
	}
}

func TestWaitFor(t *testing.T) {
	v := NewValue(0)
	go func() {
		for i := 1; i <= 5; i++ {
			v.Set(i)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := v.WaitFor(ctx, func(n int) bool { return n >= 5 })
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Errorf("WaitFor = %d, want 5", got)
	}
}
