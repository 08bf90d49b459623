package signaling_test

import (
	"errors"
	"testing"

	"github.com/haivivi/callroute/pkg/signaling"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		in   string
		want signaling.URI
		str  string
	}{
		{
			in:   "sip:cfo@sovren.ai",
			want: signaling.URI{Scheme: "sip", User: "cfo", Host: "sovren.ai"},
			str:  "sip:cfo@sovren.ai",
		},
		{
			in:   "SIPS:Alice@Example.COM:5061",
			want: signaling.URI{Scheme: "sips", User: "Alice", Host: "example.com", Port: 5061},
			str:  "sips:Alice@example.com:5061",
		},
		{
			in:   "sip:gateway.local",
			want: signaling.URI{Scheme: "sip", Host: "gateway.local"},
			str:  "sip:gateway.local",
		},
		{
			in:   "sip:bob@[::1]:5060;transport=ws;lr",
			want: signaling.URI{Scheme: "sip", User: "bob", Host: "::1", Port: 5060, Params: map[string]string{"transport": "ws", "lr": ""}},
			str:  "sip:bob@[::1]:5060;lr;transport=ws",
		},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := signaling.ParseURI(tt.in)
			if err != nil {
				t.Fatalf("ParseURI error: %v", err)
			}
			if got.Scheme != tt.want.Scheme || got.User != tt.want.User || got.Host != tt.want.Host || got.Port != tt.want.Port {
				t.Fatalf("ParseURI = %+v, want %+v", got, tt.want)
			}
			if len(got.Params) != len(tt.want.Params) {
				t.Fatalf("Params = %v, want %v", got.Params, tt.want.Params)
			}
			for k, v := range tt.want.Params {
				if got.Params[k] != v {
					t.Fatalf("Params[%q] = %q, want %q", k, got.Params[k], v)
				}
			}
			if s := got.String(); s != tt.str {
				t.Fatalf("String = %q, want %q", s, tt.str)
			}
		})
	}
}

func TestParseURIInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"cfo@sovren.ai",
		"http://sovren.ai",
		"sip:",
		"sip:@host",
		"sip:cfo@host:0",
		"sip:cfo@host:99999",
		"sip:cfo@host:port",
		"sip:cfo@ho st",
		"sip:cfo@host;=x",
	} {
		if _, err := signaling.ParseURI(in); !errors.Is(err, signaling.ErrInvalidURI) {
			t.Errorf("ParseURI(%q) error = %v, want ErrInvalidURI", in, err)
		}
	}
}

func TestURIAOR(t *testing.T) {
	u := signaling.MustParseURI("sip:cmo@sovren.ai:5080;transport=udp")
	if got := u.AOR(); got != "sip:cmo@sovren.ai" {
		t.Fatalf("AOR = %q", got)
	}
	if got := u.HostPort(); got != "sovren.ai:5080" {
		t.Fatalf("HostPort = %q", got)
	}
	if !(signaling.URI{}).IsZero() || u.IsZero() {
		t.Fatal("IsZero mismatch")
	}
	if s := (signaling.URI{}).String(); s != "" {
		t.Fatalf("zero String = %q", s)
	}
}
