package dali

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSendAndQuery(t *testing.T) {
	tr, _ := newTestBus(newSimGear(0x010203, 0))
	defer tr.Close()
	ctx := context.Background()

	if _, err := tr.Send(ctx, DirectArcPower(MustShortAddress(0), 128)); err != nil {
		t.Fatal(err)
	}
	v, err := tr.Send(ctx, Cmd(MustShortAddress(0), CmdQueryActualLevel))
	if err != nil {
		t.Fatal(err)
	}
	if v == nil || *v != 128 {
		t.Errorf("actual level: got %v, want 128", v)
	}
}

func TestQueryWithoutGearIsNoResponse(t *testing.T) {
	tr, _ := newTestBus()
	defer tr.Close()

	_, err := tr.Send(context.Background(), Cmd(MustShortAddress(3), CmdQueryActualLevel))
	if !errors.Is(err, ErrNoResponse) {
		t.Errorf("got %v, want ErrNoResponse", err)
	}
}

func TestProbeWithoutGearIsNil(t *testing.T) {
	tr, _ := newTestBus()
	defer tr.Close()

	v, err := tr.Send(context.Background(), Probe(MustShortAddress(3), CmdQueryControlGearPresent))
	if err != nil {
		t.Fatalf("probe should tolerate silence: %v", err)
	}
	if v != nil {
		t.Errorf("got %v, want nil", v)
	}
}

func TestRepeatRequiredWritesTwice(t *testing.T) {
	tr, sim := newTestBus(newSimGear(0x010203, 0))
	defer tr.Close()

	cmd := Cmd(Broadcast(), CmdReset)
	if _, err := tr.Send(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}
	if n := sim.writeCount(uint16(cmd.Frame())); n != 2 {
		t.Errorf("RESET transmitted %d times, want 2", n)
	}

	q := Cmd(MustShortAddress(0), CmdQueryStatus)
	if _, err := tr.Send(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	if n := sim.writeCount(uint16(q.Frame())); n != 1 {
		t.Errorf("query transmitted %d times, want 1", n)
	}
}

func TestSettleDelayBetweenFrames(t *testing.T) {
	tr, sim := newTestBus(newSimGear(0x010203, 0))
	defer tr.Close()
	tr.settle = 20 * time.Millisecond

	ctx := context.Background()
	if _, err := tr.Send(ctx, DirectArcPower(Broadcast(), 10)); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Send(ctx, DirectArcPower(Broadcast(), 20)); err != nil {
		t.Fatal(err)
	}

	sim.mu.Lock()
	defer sim.mu.Unlock()
	if len(sim.writes) != 2 {
		t.Fatalf("writes: got %d, want 2", len(sim.writes))
	}
	if gap := sim.writes[1].at.Sub(sim.writes[0].at); gap < 18*time.Millisecond {
		t.Errorf("inter-frame gap %v, want >= 20ms", gap)
	}
}

func TestSendWhileAddressingIsBusy(t *testing.T) {
	tr, _ := newTestBus(newSimGear(0x010203, 0))
	defer tr.Close()

	release, err := tr.acquireBus()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Send(context.Background(), DirectArcPower(Broadcast(), 10)); !errors.Is(err, ErrBusBusy) {
		t.Errorf("got %v, want ErrBusBusy", err)
	}
	release()
	if _, err := tr.Send(context.Background(), DirectArcPower(Broadcast(), 10)); err != nil {
		t.Errorf("send after release: %v", err)
	}
}

func TestListenerReceivesSnoopedTraffic(t *testing.T) {
	tr, sim := newTestBus()
	defer tr.Close()

	ch, cancel := tr.Listen(8)
	defer cancel()

	sim.injectExternal(0xFE<<8 | 100) // external broadcast DAPC 100
	select {
	case m := <-ch:
		if m.Kind != MsgDirectArcPower || m.Source != SourceExternal || m.Value != 100 {
			t.Errorf("got %+v", m)
		}
		if m.Addr.Kind != AddrBroadcast {
			t.Errorf("addr: got %v", m.Addr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not receive snooped frame")
	}
}

func TestListenerCancelClosesChannel(t *testing.T) {
	tr, sim := newTestBus()
	defer tr.Close()

	ch, cancel := tr.Listen(1)
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	// Traffic after cancel must not panic the read loop.
	sim.injectExternal(0xFE<<8 | 50)
	time.Sleep(50 * time.Millisecond)
}

func TestListenerCancelAfterClose(t *testing.T) {
	tr, _ := newTestBus()

	ch, cancel := tr.Listen(1)
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	// Close already closed the channel; a late cancel must be a no-op. This is
	// the shutdown ordering where the bus closes while a watcher still holds
	// its deferred cancel.
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}
}

func TestCloseAfterListenerCancel(t *testing.T) {
	tr, _ := newTestBus()

	_, cancel := tr.Listen(1)
	cancel()
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSlowListenerDropsNotBlocks(t *testing.T) {
	tr, sim := newTestBus()
	defer tr.Close()

	_, cancel := tr.Listen(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		sim.injectExternal(0xFE<<8 | uint16(i))
	}
	deadline := time.Now().Add(2 * time.Second)
	for tr.Dropped() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected dropped frames for a full listener buffer")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendAfterClose(t *testing.T) {
	tr, _ := newTestBus()
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Send(context.Background(), DirectArcPower(Broadcast(), 10)); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}
