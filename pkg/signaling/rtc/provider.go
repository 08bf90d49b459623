// Package rtc is a signaling.Provider that carries SIP-style offer/answer
// over a websocket and audio over WebRTC.
//
// An address sip:user@host:port is reached at ws://host:port/sip (wss for
// sips). Each websocket carries one dialog. Audio is G.711 µ-law at 8 kHz in
// 20 ms RTP packets.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/haivivi/callroute/pkg/audio/pcm"
	"github.com/haivivi/callroute/pkg/signaling"
)

// Path is the HTTP path of the signaling websocket.
const Path = "/sip"

// Format is the PCM format of dialog streams.
const Format = pcm.L16Mono8K

const inviteTimeout = 10 * time.Second

// Option configures a Provider.
type Option interface {
	apply(*Provider)
}

type optionFunc func(*Provider)

func (f optionFunc) apply(p *Provider) { f(p) }

// WithListenAddr sets the address Listen binds. The default is ":<port>"
// from the provider's own URI, or ":5080".
func WithListenAddr(addr string) Option {
	return optionFunc(func(p *Provider) { p.listenAddr = addr })
}

// WithICEServers sets STUN/TURN server URLs.
func WithICEServers(urls ...string) Option {
	return optionFunc(func(p *Provider) {
		p.config.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	})
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(p *Provider) { p.logger = l })
}

// Provider implements signaling.Provider over websocket and WebRTC.
type Provider struct {
	self       signaling.URI
	listenAddr string
	api        *webrtc.API
	config     webrtc.Configuration
	dialer     websocket.Dialer
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	mu      sync.Mutex
	handler func(signaling.Invitation)
	addr    net.Addr
	dialogs map[string]*dialog
}

var _ signaling.Provider = (*Provider)(nil)

// NewProvider creates a provider for the local address self.
func NewProvider(self signaling.URI, opts ...Option) (*Provider, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: ClockRate, Channels: 1},
		PayloadType:        payloadTypePCMU,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("rtc: register codec: %w", err)
	}
	p := &Provider{
		self:     self,
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(me)),
		dialer:   websocket.Dialer{HandshakeTimeout: inviteTimeout},
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   slog.Default(),
		dialogs:  make(map[string]*dialog),
	}
	if self.Port != 0 {
		p.listenAddr = fmt.Sprintf(":%d", self.Port)
	} else {
		p.listenAddr = ":5080"
	}
	for _, o := range opts {
		o.apply(p)
	}
	return p, nil
}

// URI returns the provider's own address.
func (p *Provider) URI() signaling.URI {
	return p.self
}

// Addr returns the bound address while listening, or nil.
func (p *Provider) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// CreateURI resolves s against the provider's own address.
func (p *Provider) CreateURI(s string) (signaling.URI, error) {
	return signaling.ResolveURI(p.self, s)
}

func endpointURL(u signaling.URI) string {
	scheme := "ws"
	if u.Scheme == "sips" {
		scheme = "wss"
	}
	return scheme + "://" + u.HostPort() + Path
}

func transportError(err error) error {
	if err == nil {
		return signaling.ErrTransportClosed
	}
	return fmt.Errorf("%w: %w", signaling.ErrTransportClosed, err)
}

// SendInvite dials target, offers audio and waits for the answer.
func (p *Provider) SendInvite(ctx context.Context, target signaling.URI, mc signaling.MediaConstraints) (signaling.Dialog, error) {
	conn, _, err := p.dialer.DialContext(ctx, endpointURL(target), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", signaling.ErrUnreachable, target, err)
	}
	w := newWire(conn)

	d, err := p.newDialog(uuid.New().String(), target, w)
	if err != nil {
		w.close()
		return nil, err
	}
	offer, err := d.pc.CreateOffer(nil)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := setLocal(ctx, d.pc, offer); err != nil {
		d.release()
		return nil, err
	}

	reply := make(chan message, 1)
	lost := make(chan error, 1)
	w.setHandlers(func(m message) {
		switch m.Type {
		case msgAnswer, msgReject:
			select {
			case reply <- m:
			default:
			}
		case msgBye:
			d.terminate(nil)
		}
	}, func(err error) {
		d.terminate(transportError(err))
		lost <- err
	})
	go w.run()

	if err := w.send(message{
		Type: msgInvite,
		ID:   d.id,
		From: p.self.String(),
		To:   target.String(),
		SDP:  d.pc.LocalDescription().SDP,
	}); err != nil {
		d.release()
		return nil, transportError(err)
	}

	var m message
	select {
	case m = <-reply:
	case err := <-lost:
		// The callee may reject and hang up in one breath.
		select {
		case m = <-reply:
		default:
			return nil, transportError(err)
		}
	case <-ctx.Done():
		w.send(message{Type: msgCancel, ID: d.id})
		d.release()
		return nil, ctx.Err()
	}

	if m.Type == msgReject {
		d.release()
		return nil, fmt.Errorf("%w: %s", signaling.ErrRejected, m.Reason)
	}
	if err := d.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}); err != nil {
		d.Bye(context.Background())
		return nil, fmt.Errorf("rtc: set remote description: %w", err)
	}
	if !d.establish() {
		return nil, transportError(nil)
	}
	p.track(d)
	p.logger.Info("rtc: dialog established", "dialog", d.id, "remote", target.String())
	return d, nil
}

// setLocal applies sdp and waits for ICE gathering so the description
// carries every candidate.
func setLocal(ctx context.Context, pc *webrtc.PeerConnection, sdp webrtc.SessionDescription) error {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("rtc: set local description: %w", err)
	}
	select {
	case <-gathered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Listen serves the signaling websocket until ctx is done or the server
// fails.
func (p *Provider) Listen(ctx context.Context, handler func(signaling.Invitation)) error {
	if handler == nil {
		return errors.New("rtc: nil invitation handler")
	}
	p.mu.Lock()
	if p.handler != nil {
		p.mu.Unlock()
		return fmt.Errorf("rtc: %s is already listening", p.self.AOR())
	}
	ln, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("rtc: listen %s: %w", p.listenAddr, err)
	}
	p.handler, p.addr = handler, ln.Addr()
	p.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(Path, p.serveWS)
	srv := &http.Server{Handler: mux}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	p.logger.Info("rtc: listening", "addr", ln.Addr().String(), "uri", p.self.String())

	defer func() {
		p.mu.Lock()
		p.handler, p.addr = nil, nil
		p.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		srv.Close()
		return ctx.Err()
	case err := <-errc:
		return transportError(err)
	}
}

func (p *Provider) serveWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		p.logger.Warn("rtc: websocket upgrade failed", "error", err)
		return
	}
	w := newWire(conn)

	var first message
	conn.SetReadDeadline(time.Now().Add(inviteTimeout))
	err = conn.ReadJSON(&first)
	conn.SetReadDeadline(time.Time{})
	if err != nil || first.Type != msgInvite || first.ID == "" {
		p.logger.Warn("rtc: expected invite", "type", first.Type, "error", err)
		w.close()
		return
	}
	from, err := signaling.ParseURI(first.From)
	if err != nil {
		w.send(message{Type: msgReject, ID: first.ID, Reason: "bad from address"})
		w.close()
		return
	}

	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler == nil {
		w.send(message{Type: msgReject, ID: first.ID, Reason: "not listening"})
		w.close()
		return
	}

	inv := &invitation{p: p, w: w, id: first.ID, remote: from, offer: first.SDP}
	w.setHandlers(inv.onMessage, inv.onClose)
	go w.run()
	handler(inv)
}

// Close hangs up every dialog.
func (p *Provider) Close() error {
	p.mu.Lock()
	dialogs := make([]*dialog, 0, len(p.dialogs))
	for _, d := range p.dialogs {
		dialogs = append(dialogs, d)
	}
	p.mu.Unlock()
	for _, d := range dialogs {
		d.Bye(context.Background())
	}
	return nil
}

func (p *Provider) track(d *dialog) {
	p.mu.Lock()
	p.dialogs[d.id] = d
	p.mu.Unlock()
}

func (p *Provider) untrack(d *dialog) {
	p.mu.Lock()
	if p.dialogs[d.id] == d {
		delete(p.dialogs, d.id)
	}
	p.mu.Unlock()
}

type invitation struct {
	p      *Provider
	w      *wire
	id     string
	remote signaling.URI
	offer  string

	mu       sync.Mutex
	state    signaling.DialogState
	canceled bool
	dialog   *dialog
}

func (inv *invitation) ID() string { return inv.id }
func (inv *invitation) RemoteURI() signaling.URI { return inv.remote }

func (inv *invitation) Constraints() signaling.MediaConstraints {
	return signaling.MediaConstraints{Audio: true, Format: Format}
}

func (inv *invitation) ReportedState() signaling.DialogState {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.state
}

func (inv *invitation) answeredLocked() error {
	if inv.canceled {
		return signaling.ErrInviteCanceled
	}
	return signaling.ErrAlreadyAnswered
}

func (inv *invitation) Accept(ctx context.Context) (signaling.Dialog, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state != signaling.StateInitial {
		return nil, inv.answeredLocked()
	}

	d, err := inv.p.newDialog(inv.id, inv.remote, inv.w)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (signaling.Dialog, error) {
		d.release()
		inv.state = signaling.StateTerminated
		return nil, err
	}
	if err := d.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: inv.offer}); err != nil {
		return fail(fmt.Errorf("rtc: set remote description: %w", err))
	}
	answer, err := d.pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("rtc: create answer: %w", err))
	}
	if err := setLocal(ctx, d.pc, answer); err != nil {
		return fail(err)
	}
	if err := inv.w.send(message{Type: msgAnswer, ID: inv.id, SDP: d.pc.LocalDescription().SDP}); err != nil {
		return fail(transportError(err))
	}
	d.establish()
	inv.state = signaling.StateEstablished
	inv.dialog = d
	inv.p.track(d)
	inv.p.logger.Info("rtc: dialog established", "dialog", d.id, "remote", inv.remote.String())
	return d, nil
}

func (inv *invitation) Reject(ctx context.Context, reason string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.state != signaling.StateInitial {
		return inv.answeredLocked()
	}
	inv.state = signaling.StateTerminated
	err := inv.w.send(message{Type: msgReject, ID: inv.id, Reason: reason})
	inv.w.close()
	if err != nil {
		return transportError(err)
	}
	return nil
}

func (inv *invitation) onMessage(m message) {
	inv.mu.Lock()
	switch {
	case m.Type == msgCancel && inv.state == signaling.StateInitial:
		inv.state = signaling.StateTerminated
		inv.canceled = true
		inv.mu.Unlock()
		inv.w.close()
		return
	case m.Type == msgBye && inv.dialog != nil:
		d := inv.dialog
		inv.mu.Unlock()
		d.terminate(nil)
		return
	}
	inv.mu.Unlock()
}

func (inv *invitation) onClose(err error) {
	inv.mu.Lock()
	if inv.state == signaling.StateInitial {
		inv.state = signaling.StateTerminated
		inv.canceled = true
	}
	d := inv.dialog
	inv.mu.Unlock()
	if d != nil {
		d.terminate(transportError(err))
	}
}
