package main

import "testing"

func TestAdvertisedEndpoints(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		http, timesync string
		tls            bool
		want           endpoints
	}{
		"port_only": {
			http: ":43127",
			want: endpoints{HTTP: "http://localhost:43127", Observer: "ws://localhost:43127/ws"},
		},
		"wildcard_ipv4_with_timesync": {
			http:     "0.0.0.0:9000",
			timesync: "0.0.0.0:9001",
			want:     endpoints{HTTP: "http://localhost:9000", Observer: "ws://localhost:9000/ws", TimeSync: "localhost:9001"},
		},
		"wildcard_ipv6": {
			http: "[::]:43127",
			want: endpoints{HTTP: "http://localhost:43127", Observer: "ws://localhost:43127/ws"},
		},
		"explicit_ipv6": {
			http:     "[2001:db8::1]:43127",
			timesync: ":50051",
			want:     endpoints{HTTP: "http://[2001:db8::1]:43127", Observer: "ws://[2001:db8::1]:43127/ws", TimeSync: "localhost:50051"},
		},
		"tls": {
			http: "sync.example:443",
			tls:  true,
			want: endpoints{HTTP: "https://sync.example:443", Observer: "wss://sync.example:443/ws"},
		},
		"empty": {
			want: endpoints{HTTP: "http://localhost", Observer: "ws://localhost/ws"},
		},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got := advertisedEndpoints(tc.http, tc.timesync, tc.tls)
			if got != tc.want {
				t.Fatalf("advertisedEndpoints(%q, %q, %t) = %+v, want %+v", tc.http, tc.timesync, tc.tls, got, tc.want)
			}
		})
	}
}

func TestReachableHostPortKeepsBareHost(t *testing.T) {
	if got := reachableHostPort("sync.internal"); got != "sync.internal" {
		t.Fatalf("expected bare host unchanged, got %q", got)
	}
}
