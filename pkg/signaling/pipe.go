package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/haivivi/callroute/pkg/audio/pcm"
)

// PipeNetwork is an in-process signaling network. Providers created from the
// same network can call each other; audio written to one dialog's
// LocalStream arrives on the peer's RemoteStream.
//
// It is used by tests and by the simulate command.
type PipeNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*PipeProvider
}

// NewPipeNetwork creates an empty network.
func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{endpoints: make(map[string]*PipeProvider)}
}

func endpointKey(u URI) string {
	return u.User + "@" + u.Host
}

// Provider registers an endpoint at address and returns its provider.
func (n *PipeNetwork) Provider(address string) (*PipeProvider, error) {
	u, err := ParseURI(address)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	key := endpointKey(u)
	if _, ok := n.endpoints[key]; ok {
		return nil, fmt.Errorf("signaling: address %s already registered", u.AOR())
	}
	p := &PipeProvider{
		net:     n,
		uri:     u,
		dialogs: make(map[string]*pipeDialog),
	}
	n.endpoints[key] = p
	return p, nil
}

func (n *PipeNetwork) lookup(u URI) *PipeProvider {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[endpointKey(u)]
}

func (n *PipeNetwork) remove(p *PipeProvider) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[endpointKey(p.uri)] == p {
		delete(n.endpoints, endpointKey(p.uri))
	}
}

// PipeProvider is a Provider attached to a PipeNetwork.
type PipeProvider struct {
	net *PipeNetwork
	uri URI

	mu       sync.Mutex
	handler  func(Invitation)
	listenCh chan error
	dialogs  map[string]*pipeDialog
}

var _ Provider = (*PipeProvider)(nil)

// URI returns the provider's own address.
func (p *PipeProvider) URI() URI {
	return p.uri
}

// CreateURI parses s. A bare user name resolves to the provider's host.
func (p *PipeProvider) CreateURI(s string) (URI, error) {
	return ResolveURI(p.uri, s)
}

// SendInvite calls target on the same network.
func (p *PipeProvider) SendInvite(ctx context.Context, target URI, mc MediaConstraints) (Dialog, error) {
	callee := p.net.lookup(target)
	if callee == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, target)
	}
	callee.mu.Lock()
	handler := callee.handler
	callee.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("%w: %s is not listening", ErrUnreachable, target)
	}

	inv := &pipeInvitation{
		id:     uuid.New().String(),
		caller: p,
		callee: callee,
		mc:     mc,
		answer: make(chan inviteResult, 1),
	}
	go handler(inv)

	select {
	case r := <-inv.answer:
		if r.err != nil {
			return nil, r.err
		}
		return r.dialog, nil
	case <-ctx.Done():
		if inv.cancel() {
			return nil, ctx.Err()
		}
		// Answered while we were giving up: hang up the established leg.
		if r := <-inv.answer; r.dialog != nil {
			r.dialog.Bye(context.Background())
		}
		return nil, ctx.Err()
	}
}

// Listen delivers inbound invitations until ctx is done or Disconnect is
// called.
func (p *PipeProvider) Listen(ctx context.Context, handler func(Invitation)) error {
	if handler == nil {
		return errors.New("signaling: nil invitation handler")
	}
	p.mu.Lock()
	if p.handler != nil {
		p.mu.Unlock()
		return fmt.Errorf("signaling: %s is already listening", p.uri.AOR())
	}
	done := make(chan error, 1)
	p.handler, p.listenCh = handler, done
	p.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		p.mu.Lock()
		if p.listenCh == done {
			p.handler, p.listenCh = nil, nil
		}
		p.mu.Unlock()
		return ctx.Err()
	}
}

// Disconnect simulates loss of the transport. Listen returns an error
// wrapping ErrTransportClosed and cause, and every open dialog on both ends
// terminates with that error.
func (p *PipeProvider) Disconnect(cause error) {
	err := ErrTransportClosed
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrTransportClosed, cause)
	}
	p.mu.Lock()
	done := p.listenCh
	p.handler, p.listenCh = nil, nil
	dialogs := make([]*pipeDialog, 0, len(p.dialogs))
	for _, d := range p.dialogs {
		dialogs = append(dialogs, d)
	}
	p.mu.Unlock()

	if done != nil {
		done <- err
	}
	for _, d := range dialogs {
		d.terminate(err, true)
		d.peer.terminate(err, true)
	}
}

// Close disconnects the provider and removes it from the network.
func (p *PipeProvider) Close() error {
	p.Disconnect(nil)
	p.net.remove(p)
	return nil
}

// Listening reports whether a Listen call is active.
func (p *PipeProvider) Listening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}

// Dialogs returns the number of open dialogs.
func (p *PipeProvider) Dialogs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dialogs)
}

func (p *PipeProvider) track(d *pipeDialog) {
	p.mu.Lock()
	p.dialogs[d.id] = d
	p.mu.Unlock()
}

func (p *PipeProvider) untrack(d *pipeDialog) {
	p.mu.Lock()
	if p.dialogs[d.id] == d {
		delete(p.dialogs, d.id)
	}
	p.mu.Unlock()
}

type inviteResult struct {
	dialog Dialog
	err    error
}

type pipeInvitation struct {
	id     string
	caller *PipeProvider
	callee *PipeProvider
	mc     MediaConstraints
	answer chan inviteResult

	mu       sync.Mutex
	state    DialogState
	canceled bool
}

func (inv *pipeInvitation) ID() string { return inv.id }
func (inv *pipeInvitation) RemoteURI() URI { return inv.caller.uri }
func (inv *pipeInvitation) Constraints() MediaConstraints { return inv.mc }

func (inv *pipeInvitation) ReportedState() DialogState {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

func (inv *pipeInvitation) answeredLocked() error {
	if inv.canceled {
		return ErrInviteCanceled
	}
	return ErrAlreadyAnswered
}

func (inv *pipeInvitation) Accept(ctx context.Context) (Dialog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state != StateInitial {
		return nil, inv.answeredLocked()
	}
	inv.state = StateEstablished

	caller, callee := newDialogPair(inv.id, inv.caller, inv.callee, inv.mc)
	inv.caller.track(caller)
	inv.callee.track(callee)
	inv.answer <- inviteResult{dialog: caller}
	return callee, nil
}

func (inv *pipeInvitation) Reject(ctx context.Context, reason string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state != StateInitial {
		return inv.answeredLocked()
	}
	inv.state = StateTerminated
	if reason == "" {
		reason = "declined"
	}
	inv.answer <- inviteResult{err: fmt.Errorf("%w: %s", ErrRejected, reason)}
	return nil
}

// cancel marks an unanswered invitation canceled and reports whether it did.
func (inv *pipeInvitation) cancel() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state != StateInitial {
		return false
	}
	inv.state = StateTerminated
	inv.canceled = true
	return true
}

type pipeDialog struct {
	id       string
	owner    *PipeProvider
	remoteID URI
	remote   *pcm.LiveStream
	local    *LocalMedia
	peer     *pipeDialog

	mu      sync.Mutex
	state   DialogState
	termErr error
	onBye   []func(error)
}

func newDialogPair(id string, caller, callee *PipeProvider, mc MediaConstraints) (*pipeDialog, *pipeDialog) {
	a := &pipeDialog{
		id:       id,
		owner:    caller,
		remoteID: callee.uri,
		remote:   pcm.NewLiveStream(id+"/"+callee.uri.User, mc.Format, DefaultMediaBuffer),
		state:    StateEstablished,
	}
	b := &pipeDialog{
		id:       id,
		owner:    callee,
		remoteID: caller.uri,
		remote:   pcm.NewLiveStream(id+"/"+caller.uri.User, mc.Format, DefaultMediaBuffer),
		state:    StateEstablished,
	}
	a.peer, b.peer = b, a
	a.local = NewLocalMedia(id+"/"+caller.uri.User+"/local", mc.Format, func(s []float32) { b.remote.WriteSamples(s) })
	b.local = NewLocalMedia(id+"/"+callee.uri.User+"/local", mc.Format, func(s []float32) { a.remote.WriteSamples(s) })
	return a, b
}

func (d *pipeDialog) ID() string { return d.id }
func (d *pipeDialog) RemoteURI() URI { return d.remoteID }
func (d *pipeDialog) RemoteStream() pcm.Stream { return d.remote }
func (d *pipeDialog) LocalStream() *LocalMedia { return d.local }

func (d *pipeDialog) State() DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *pipeDialog) OnBye(fn func(error)) {
	d.mu.Lock()
	if d.state == StateTerminated {
		err := d.termErr
		d.mu.Unlock()
		fn(err)
		return
	}
	d.onBye = append(d.onBye, fn)
	d.mu.Unlock()
}

func (d *pipeDialog) Bye(ctx context.Context) error {
	d.terminate(nil, false)
	d.peer.terminate(nil, true)
	return nil
}

func (d *pipeDialog) terminate(err error, notify bool) {
	d.mu.Lock()
	if d.state == StateTerminated {
		d.mu.Unlock()
		return
	}
	d.state = StateTerminated
	d.termErr = err
	fns := d.onBye
	d.onBye = nil
	d.mu.Unlock()

	d.local.Detach()
	d.remote.Close()
	d.owner.untrack(d)
	if notify {
		for _, fn := range fns {
			fn(err)
		}
	}
}
