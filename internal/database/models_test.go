package database

import "testing"

func TestPeerHostname(t *testing.T) {
	cases := []struct {
		endpoint string
		want     string
	}{
		{"vpn.example.org:51820", "vpn.example.org"},
		{"203.0.113.10:51820", ""},
		{"[2001:db8::1]:51820", ""},
		{"vpn.example.org", "vpn.example.org"},
		{"", ""},
	}
	for _, tc := range cases {
		p := Peer{Endpoint: tc.endpoint}
		if got := p.Hostname(); got != tc.want {
			t.Errorf("Hostname(%q) = %q, want %q", tc.endpoint, got, tc.want)
		}
	}
}
