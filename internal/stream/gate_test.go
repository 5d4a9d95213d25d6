package stream

import (
	"context"
	"testing"
	"time"
)

func TestGateHysteresis(t *testing.T) {
	g := NewGate(100, 20)
	if !g.Open() {
		t.Fatal("fresh gate should be open")
	}

	g.Update(99)
	if !g.Open() {
		t.Fatal("gate closed below the high watermark")
	}
	g.Update(100)
	if g.Open() {
		t.Fatal("gate open at the high watermark")
	}
	// between the watermarks the gate must stay closed, not oscillate
	g.Update(50)
	if g.Open() {
		t.Fatal("gate reopened between watermarks")
	}
	g.Update(20)
	if !g.Open() {
		t.Fatal("gate closed at the low watermark")
	}
	if g.Pauses() != 1 {
		t.Fatalf("pauses = %d, want 1", g.Pauses())
	}
}

func TestGateWait(t *testing.T) {
	g := NewGate(100, 20)
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on open gate failed: %v", err)
	}

	g.Update(200)
	unblocked := make(chan error, 1)
	go func() { unblocked <- g.Wait(context.Background()) }()

	select {
	case <-unblocked:
		t.Fatal("Wait returned while the gate was closed")
	case <-time.After(20 * time.Millisecond):
	}

	g.Update(10)
	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("Wait failed after reopen: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait never unblocked after reopen")
	}
}

func TestGateWaitCancellation(t *testing.T) {
	g := NewGate(100, 20)
	g.Update(200)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}
