package signaling_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haivivi/callroute/pkg/signaling"
)

type pipeFixture struct {
	network *signaling.PipeNetwork
	caller  *signaling.PipeProvider
	callee  *signaling.PipeProvider
}

func newPipeFixture(t *testing.T) pipeFixture {
	t.Helper()
	n := signaling.NewPipeNetwork()
	caller, err := n.Provider("sip:alice@example.com")
	if err != nil {
		t.Fatalf("Provider: %v", err)
	}
	callee, err := n.Provider("sip:cfo@sovren.ai")
	if err != nil {
		t.Fatalf("Provider: %v", err)
	}
	return pipeFixture{network: n, caller: caller, callee: callee}
}

func waitListening(t *testing.T, p *signaling.PipeProvider) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !p.Listening() {
		if time.Now().After(deadline) {
			t.Fatal("provider never started listening")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPipe_AcceptAndMedia(t *testing.T) {
	f := newPipeFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepted := make(chan signaling.Dialog, 1)
	go f.callee.Listen(ctx, func(inv signaling.Invitation) {
		if inv.ReportedState() != signaling.StateInitial {
			t.Errorf("ReportedState = %v, want initial", inv.ReportedState())
		}
		if inv.RemoteURI().AOR() != "sip:alice@example.com" {
			t.Errorf("RemoteURI = %v", inv.RemoteURI())
		}
		d, err := inv.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		if inv.ReportedState() != signaling.StateEstablished {
			t.Errorf("ReportedState after accept = %v", inv.ReportedState())
		}
		accepted <- d
	})
	waitListening(t, f.callee)

	out, err := f.caller.SendInvite(ctx, f.callee.URI(), signaling.DefaultMediaConstraints())
	if err != nil {
		t.Fatalf("SendInvite: %v", err)
	}
	in := <-accepted
	if out.ID() != in.ID() {
		t.Fatalf("dialog IDs differ: %s vs %s", out.ID(), in.ID())
	}
	if out.State() != signaling.StateEstablished || in.State() != signaling.StateEstablished {
		t.Fatalf("states = %v, %v", out.State(), in.State())
	}
	if f.caller.Dialogs() != 1 || f.callee.Dialogs() != 1 {
		t.Fatalf("Dialogs = %d, %d", f.caller.Dialogs(), f.callee.Dialogs())
	}

	out.LocalStream().Transmit([]float32{0.25, -0.25, 0.5})
	buf := make([]float32, 8)
	if n := in.RemoteStream().Pull(buf); n != 3 || buf[0] != 0.25 || buf[2] != 0.5 {
		t.Fatalf("callee pulled %d samples %v", n, buf[:n])
	}
	in.LocalStream().Transmit([]float32{0.1})
	if n := out.RemoteStream().Pull(buf); n != 1 || buf[0] != 0.1 {
		t.Fatalf("caller pulled %d samples %v", n, buf[:n])
	}
}

func TestPipe_Reject(t *testing.T) {
	f := newPipeFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.callee.Listen(ctx, func(inv signaling.Invitation) {
		if err := inv.Reject(ctx, "busy here"); err != nil {
			t.Errorf("Reject: %v", err)
		}
		if inv.ReportedState() != signaling.StateTerminated {
			t.Errorf("ReportedState = %v, want terminated", inv.ReportedState())
		}
		if _, err := inv.Accept(ctx); !errors.Is(err, signaling.ErrAlreadyAnswered) {
			t.Errorf("Accept after Reject = %v", err)
		}
	})
	waitListening(t, f.callee)

	_, err := f.caller.SendInvite(ctx, f.callee.URI(), signaling.DefaultMediaConstraints())
	if !errors.Is(err, signaling.ErrRejected) {
		t.Fatalf("SendInvite error = %v, want ErrRejected", err)
	}
}

func TestPipe_Unreachable(t *testing.T) {
	f := newPipeFixture(t)
	ctx := context.Background()

	if _, err := f.caller.SendInvite(ctx, signaling.MustParseURI("sip:ghost@sovren.ai"), signaling.MediaConstraints{}); !errors.Is(err, signaling.ErrUnreachable) {
		t.Fatalf("unknown target error = %v", err)
	}
	// Registered but not listening.
	if _, err := f.caller.SendInvite(ctx, f.callee.URI(), signaling.MediaConstraints{}); !errors.Is(err, signaling.ErrUnreachable) {
		t.Fatalf("idle target error = %v", err)
	}
}

func TestPipe_CanceledInvite(t *testing.T) {
	f := newPipeFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	invites := make(chan signaling.Invitation, 1)
	go f.callee.Listen(ctx, func(inv signaling.Invitation) { invites <- inv })
	waitListening(t, f.callee)

	callCtx, callCancel := context.WithCancel(ctx)
	errc := make(chan error, 1)
	go func() {
		_, err := f.caller.SendInvite(callCtx, f.callee.URI(), signaling.DefaultMediaConstraints())
		errc <- err
	}()
	inv := <-invites
	callCancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("SendInvite error = %v, want context.Canceled", err)
	}
	if _, err := inv.Accept(ctx); !errors.Is(err, signaling.ErrInviteCanceled) {
		t.Fatalf("Accept after cancel = %v, want ErrInviteCanceled", err)
	}
	if inv.ReportedState() != signaling.StateTerminated {
		t.Fatalf("ReportedState = %v", inv.ReportedState())
	}
	if f.callee.Dialogs() != 0 {
		t.Fatalf("callee Dialogs = %d", f.callee.Dialogs())
	}
}

func establish(t *testing.T, f pipeFixture, ctx context.Context) (caller, callee signaling.Dialog) {
	t.Helper()
	accepted := make(chan signaling.Dialog, 1)
	go f.callee.Listen(ctx, func(inv signaling.Invitation) {
		if d, err := inv.Accept(ctx); err == nil {
			accepted <- d
		}
	})
	waitListening(t, f.callee)
	out, err := f.caller.SendInvite(ctx, f.callee.URI(), signaling.DefaultMediaConstraints())
	if err != nil {
		t.Fatalf("SendInvite: %v", err)
	}
	return out, <-accepted
}

func TestPipe_Bye(t *testing.T) {
	f := newPipeFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, in := establish(t, f, ctx)

	var localFired bool
	out.OnBye(func(error) { localFired = true })
	remote := make(chan error, 2)
	in.OnBye(func(err error) { remote <- err })

	if err := out.Bye(ctx); err != nil {
		t.Fatalf("Bye: %v", err)
	}
	if err := out.Bye(ctx); err != nil {
		t.Fatalf("second Bye: %v", err)
	}
	select {
	case err := <-remote:
		if err != nil {
			t.Fatalf("remote OnBye err = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("remote OnBye not called")
	}
	if len(remote) != 0 {
		t.Fatal("remote OnBye called twice")
	}
	if localFired {
		t.Fatal("local Bye fired own OnBye")
	}
	if out.State() != signaling.StateTerminated || in.State() != signaling.StateTerminated {
		t.Fatalf("states = %v, %v", out.State(), in.State())
	}
	if f.caller.Dialogs() != 0 || f.callee.Dialogs() != 0 {
		t.Fatalf("Dialogs = %d, %d", f.caller.Dialogs(), f.callee.Dialogs())
	}

	// Registering after termination runs immediately.
	late := false
	in.OnBye(func(error) { late = true })
	if !late {
		t.Fatal("OnBye on terminated dialog did not run")
	}
}

func TestPipe_Disconnect(t *testing.T) {
	f := newPipeFixture(t)
	caller, callee := f.caller, f.callee

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accepted := make(chan signaling.Dialog, 1)
	listenErr := make(chan error, 1)
	go func() {
		listenErr <- callee.Listen(ctx, func(inv signaling.Invitation) {
			if d, err := inv.Accept(ctx); err == nil {
				accepted <- d
			}
		})
	}()
	waitListening(t, callee)
	out, err := caller.SendInvite(ctx, callee.URI(), signaling.DefaultMediaConstraints())
	if err != nil {
		t.Fatalf("SendInvite: %v", err)
	}
	in := <-accepted

	outErr := make(chan error, 1)
	inErr := make(chan error, 1)
	out.OnBye(func(err error) { outErr <- err })
	in.OnBye(func(err error) { inErr <- err })

	cause := errors.New("link down")
	callee.Disconnect(cause)

	if err := <-listenErr; !errors.Is(err, signaling.ErrTransportClosed) || !errors.Is(err, cause) {
		t.Fatalf("Listen error = %v", err)
	}
	if err := <-inErr; !errors.Is(err, signaling.ErrTransportClosed) {
		t.Fatalf("callee OnBye err = %v", err)
	}
	if err := <-outErr; !errors.Is(err, signaling.ErrTransportClosed) {
		t.Fatalf("caller OnBye err = %v", err)
	}
	if _, err := caller.SendInvite(ctx, callee.URI(), signaling.MediaConstraints{}); !errors.Is(err, signaling.ErrUnreachable) {
		t.Fatalf("SendInvite after disconnect = %v", err)
	}
}

func TestPipe_ListenCanceled(t *testing.T) {
	f := newPipeFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.callee.Listen(ctx, func(signaling.Invitation) {}) }()
	waitListening(t, f.callee)

	if err := f.callee.Listen(context.Background(), func(signaling.Invitation) {}); err == nil {
		t.Fatal("second Listen succeeded")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Listen = %v, want context.Canceled", err)
	}
}

func TestPipe_CreateURI(t *testing.T) {
	f := newPipeFixture(t)
	u, err := f.callee.CreateURI("cmo")
	if err != nil {
		t.Fatalf("CreateURI: %v", err)
	}
	if u.String() != "sip:cmo@sovren.ai" {
		t.Fatalf("bare user = %v", u)
	}
	if u, _ = f.callee.CreateURI("bob@example.org"); u.String() != "sip:bob@example.org" {
		t.Fatalf("user@host = %v", u)
	}
	if u, _ = f.callee.CreateURI("sips:bob@example.org:5061"); u.Port != 5061 || u.Scheme != "sips" {
		t.Fatalf("full uri = %v", u)
	}
	if _, err := f.callee.CreateURI(""); !errors.Is(err, signaling.ErrInvalidURI) {
		t.Fatalf("empty = %v", err)
	}
	if _, err := f.network.Provider("sip:cfo@sovren.ai"); err == nil {
		t.Fatal("duplicate registration succeeded")
	}
}
