package main

import (
	"net"
	"net/url"
	"strings"
)

const observerPath = "/ws"

// endpoints are the reachable addresses advertised in the startup log.
type endpoints struct {
	HTTP     string
	Observer string
	TimeSync string
}

// advertisedEndpoints derives client-facing URLs from listen addresses. Wildcard hosts are shown
// as localhost; an empty timesync address means the gRPC listener is disabled.
func advertisedEndpoints(httpAddress, timeSyncAddress string, tlsEnabled bool) endpoints {
	host := reachableHostPort(httpAddress)
	web := url.URL{Scheme: "http", Host: host}
	ws := url.URL{Scheme: "ws", Host: host, Path: observerPath}
	if tlsEnabled {
		web.Scheme = "https"
		ws.Scheme = "wss"
	}
	out := endpoints{HTTP: web.String(), Observer: ws.String()}
	if strings.TrimSpace(timeSyncAddress) != "" {
		//1.- gRPC targets carry no scheme for plain host:port dialing.
		out.TimeSync = reachableHostPort(timeSyncAddress)
	}
	return out
}

func reachableHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	switch strings.Trim(strings.TrimSpace(host), "[]") {
	case "", "0.0.0.0", "::":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
