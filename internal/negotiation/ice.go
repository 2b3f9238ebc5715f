package negotiation

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"peercall-backend/pkg/config"
)

// minSTUNServers is how many STUN endpoints every transport is configured with
const minSTUNServers = 2

// ICEServersFromURLs turns a list of STUN/TURN URLs into ICE servers, one
// server per URL so pion can try them independently
func ICEServersFromURLs(urls []string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

// DefaultICEServers returns the public STUN servers used when nothing else
// is configured
func DefaultICEServers() []webrtc.ICEServer {
	return ICEServersFromURLs(config.DefaultSTUNServers)
}

// withMinimumSTUN tops servers up from the defaults until it names at least
// two distinct STUN URLs
func withMinimumSTUN(servers []webrtc.ICEServer) []webrtc.ICEServer {
	seen := make(map[string]bool)
	for _, s := range servers {
		for _, u := range s.URLs {
			if isSTUN(u) {
				seen[u] = true
			}
		}
	}

	out := append([]webrtc.ICEServer(nil), servers...)
	for _, d := range config.DefaultSTUNServers {
		if len(seen) >= minSTUNServers {
			break
		}
		if !seen[d] {
			seen[d] = true
			out = append(out, webrtc.ICEServer{URLs: []string{d}})
		}
	}
	return out
}

func isSTUN(url string) bool {
	return strings.HasPrefix(url, "stun:") || strings.HasPrefix(url, "stuns:")
}
