package netstate

import (
	"context"
	"io"
	"log"
	"net"
	"testing"
	"time"
)

func TestStaticNotifiesOnChange(t *testing.T) {
	s := NewStatic(true)
	var got []bool
	unsubscribe := s.Subscribe(func(online bool) { got = append(got, online) })

	s.Set(true) // no change
	s.Set(false)
	s.Set(true)
	unsubscribe()
	s.Set(false)

	if len(got) != 2 || got[0] != false || got[1] != true {
		t.Errorf("notifications = %v, want [false true]", got)
	}
	if s.Online() {
		t.Error("Online() = true after Set(false)")
	}
}

func TestProbeCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() failed: %v", err)
	}
	addr := ln.Addr().String()

	p := NewProbe(&ProbeConfig{
		Address: addr,
		Timeout: time.Second,
		Logger:  log.New(io.Discard, "", 0),
	})

	var changes []bool
	p.Subscribe(func(online bool) { changes = append(changes, online) })

	if !p.Check(context.Background()) {
		t.Error("Check() = false with a listener up")
	}

	_ = ln.Close()
	if p.Check(context.Background()) {
		t.Error("Check() = true after the listener closed")
	}
	if len(changes) != 1 || changes[0] != false {
		t.Errorf("changes = %v, want [false]", changes)
	}
}

func TestProbeRunStopsOnCancel(t *testing.T) {
	p := NewProbe(&ProbeConfig{
		Address:  "127.0.0.1:1",
		Interval: 10 * time.Millisecond,
		Timeout:  10 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if p.Online() {
		t.Error("Online() = true for an unreachable address")
	}
}
