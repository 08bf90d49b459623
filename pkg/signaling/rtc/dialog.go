package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/haivivi/callroute/pkg/audio/pcm"
	"github.com/haivivi/callroute/pkg/signaling"
)

type dialog struct {
	id        string
	remoteURI signaling.URI
	p         *Provider
	w         *wire
	pc        *webrtc.PeerConnection
	track     *webrtc.TrackLocalStaticRTP
	remote    *pcm.LiveStream
	local     *signaling.LocalMedia
	logger    *slog.Logger

	pmu sync.Mutex
	pk  *packetizer

	mu       sync.Mutex
	state    signaling.DialogState
	released bool
	termErr  error
	onBye    []func(error)
}

var _ signaling.Dialog = (*dialog)(nil)

func (p *Provider) newDialog(id string, remote signaling.URI, w *wire) (*dialog, error) {
	pc, err := p.api.NewPeerConnection(p.config)
	if err != nil {
		return nil, fmt.Errorf("rtc: create peer connection: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: ClockRate, Channels: 1},
		"audio",
		"callroute-"+id,
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtc: create audio track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtc: add track: %w", err)
	}

	d := &dialog{
		id:        id,
		remoteURI: remote,
		p:         p,
		w:         w,
		pc:        pc,
		track:     track,
		remote:    pcm.NewLiveStream(id+"/remote", Format, signaling.DefaultMediaBuffer),
		logger:    p.logger.With("dialog", id),
		pk:        newPacketizer(rand.Uint32(), uint16(rand.Uint32()), rand.Uint32()),
	}
	d.local = signaling.NewLocalMedia(id+"/local", Format, d.send)

	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if t.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		d.logger.Debug("rtc: remote track", "codec", t.Codec().MimeType)
		go d.readRemote(t)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		d.logger.Debug("rtc: connection state", "state", s.String())
		if s == webrtc.PeerConnectionStateFailed {
			d.terminate(fmt.Errorf("%w: ice %s", signaling.ErrTransportClosed, s))
		}
	})
	return d, nil
}

func (d *dialog) ID() string { return d.id }
func (d *dialog) RemoteURI() signaling.URI { return d.remoteURI }
func (d *dialog) RemoteStream() pcm.Stream { return d.remote }
func (d *dialog) LocalStream() *signaling.LocalMedia { return d.local }

func (d *dialog) State() signaling.DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *dialog) OnBye(fn func(error)) {
	d.mu.Lock()
	if d.state == signaling.StateTerminated {
		err := d.termErr
		d.mu.Unlock()
		fn(err)
		return
	}
	d.onBye = append(d.onBye, fn)
	d.mu.Unlock()
}

// establish moves the dialog to established unless it already ended.
func (d *dialog) establish() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != signaling.StateInitial {
		return false
	}
	d.state = signaling.StateEstablished
	return true
}

// finish marks the dialog terminated and returns the pending OnBye
// callbacks. ok is false when it had already ended.
func (d *dialog) finish(err error) (fns []func(error), ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == signaling.StateTerminated {
		return nil, false
	}
	d.state = signaling.StateTerminated
	d.termErr = err
	fns, d.onBye = d.onBye, nil
	return fns, true
}

// release frees media and transport. It is idempotent.
func (d *dialog) release() {
	d.mu.Lock()
	d.state = signaling.StateTerminated
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	d.mu.Unlock()

	d.local.Detach()
	d.remote.Close()
	if err := d.pc.Close(); err != nil {
		d.logger.Debug("rtc: close peer connection", "error", err)
	}
	d.w.close()
	d.p.untrack(d)
}

// terminate ends the dialog because of the far end and notifies OnBye.
func (d *dialog) terminate(err error) {
	fns, ok := d.finish(err)
	if !ok {
		return
	}
	if err != nil {
		d.logger.Warn("rtc: dialog lost", "error", err)
	} else {
		d.logger.Info("rtc: remote bye")
	}
	d.release()
	for _, fn := range fns {
		fn(err)
	}
}

func (d *dialog) Bye(ctx context.Context) error {
	if _, ok := d.finish(nil); !ok {
		return nil
	}
	if err := d.w.send(message{Type: msgBye, ID: d.id}); err != nil {
		d.logger.Debug("rtc: send bye", "error", err)
	}
	d.release()
	return nil
}

// send is the LocalMedia sink.
func (d *dialog) send(samples []float32) {
	d.pmu.Lock()
	packets := d.pk.push(samples)
	d.pmu.Unlock()
	for _, pkt := range packets {
		if err := d.track.WriteRTP(pkt); err != nil {
			d.logger.Debug("rtc: write rtp", "error", err)
			return
		}
	}
}

func (d *dialog) readRemote(t *webrtc.TrackRemote) {
	var dp depacketizer
	var buf []float32
	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			d.logger.Debug("rtc: remote track ended", "error", err, "concealed", dp.concealed, "late", dp.dropped)
			return
		}
		buf = dp.unpack(buf[:0], pkt)
		if len(buf) > 0 {
			if err := d.remote.WriteSamples(buf); err != nil {
				return
			}
		}
	}
}
