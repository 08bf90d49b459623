package rtc_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/haivivi/callroute/pkg/signaling"
	"github.com/haivivi/callroute/pkg/signaling/rtc"
)

func newProvider(t *testing.T, uri string) *rtc.Provider {
	t.Helper()
	p, err := rtc.NewProvider(signaling.MustParseURI(uri), rtc.WithListenAddr("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

// serve starts Listen and returns the URI the provider is reachable at.
func serve(t *testing.T, ctx context.Context, p *rtc.Provider, handler func(signaling.Invitation)) (signaling.URI, <-chan error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Listen(ctx, handler) }()
	deadline := time.Now().Add(2 * time.Second)
	for p.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("provider never started listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	port := p.Addr().(*net.TCPAddr).Port
	return signaling.MustParseURI(fmt.Sprintf("sip:%s@127.0.0.1:%d", p.URI().User, port)), done
}

func TestProvider_Unreachable(t *testing.T) {
	caller := newProvider(t, "sip:alice@127.0.0.1")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	target := signaling.MustParseURI(fmt.Sprintf("sip:cfo@127.0.0.1:%d", port))
	if _, err := caller.SendInvite(ctx, target, signaling.DefaultMediaConstraints()); !errors.Is(err, signaling.ErrUnreachable) {
		t.Fatalf("SendInvite = %v, want ErrUnreachable", err)
	}
}

func TestProvider_Reject(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	callee := newProvider(t, "sip:cfo@sovren.ai")
	caller := newProvider(t, "sip:alice@example.com")
	seen := make(chan signaling.URI, 1)
	target, _ := serve(t, ctx, callee, func(inv signaling.Invitation) {
		seen <- inv.RemoteURI()
		inv.Reject(ctx, "busy here")
	})

	_, err := caller.SendInvite(ctx, target, signaling.DefaultMediaConstraints())
	if !errors.Is(err, signaling.ErrRejected) {
		t.Fatalf("SendInvite = %v, want ErrRejected", err)
	}
	if from := <-seen; from.AOR() != "sip:alice@example.com" {
		t.Fatalf("callee saw caller %v", from)
	}
}

func TestProvider_AcceptAndBye(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	callee := newProvider(t, "sip:cto@sovren.ai")
	caller := newProvider(t, "sip:alice@example.com")
	accepted := make(chan signaling.Dialog, 1)
	target, _ := serve(t, ctx, callee, func(inv signaling.Invitation) {
		d, err := inv.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		accepted <- d
	})

	out, err := caller.SendInvite(ctx, target, signaling.DefaultMediaConstraints())
	if err != nil {
		t.Fatalf("SendInvite: %v", err)
	}
	var in signaling.Dialog
	select {
	case in = <-accepted:
	case <-ctx.Done():
		t.Fatal("callee never accepted")
	}
	if in.ID() != out.ID() {
		t.Fatalf("dialog IDs differ: %s vs %s", in.ID(), out.ID())
	}
	if out.State() != signaling.StateEstablished || in.State() != signaling.StateEstablished {
		t.Fatalf("states = %v, %v", out.State(), in.State())
	}
	if out.RemoteStream().Format() != rtc.Format {
		t.Fatalf("remote format = %v", out.RemoteStream().Format())
	}

	bye := make(chan error, 1)
	in.OnBye(func(err error) { bye <- err })
	if err := out.Bye(ctx); err != nil {
		t.Fatalf("Bye: %v", err)
	}
	select {
	case err := <-bye:
		if err != nil {
			t.Fatalf("OnBye err = %v, want nil", err)
		}
	case <-ctx.Done():
		t.Fatal("callee never saw bye")
	}
	if in.State() != signaling.StateTerminated {
		t.Fatalf("callee state = %v", in.State())
	}
}

func TestProvider_ListenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newProvider(t, "sip:coo@sovren.ai")
	_, done := serve(t, ctx, p, func(signaling.Invitation) {})
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Listen = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return")
	}
	if p.Addr() != nil {
		t.Fatal("Addr still set after Listen returned")
	}
}

func TestProvider_CreateURI(t *testing.T) {
	p := newProvider(t, "sip:cfo@sovren.ai:5080")
	u, err := p.CreateURI("cmo")
	if err != nil {
		t.Fatal(err)
	}
	if u.String() != "sip:cmo@sovren.ai:5080" {
		t.Fatalf("CreateURI = %v", u)
	}
}
