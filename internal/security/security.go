package security

import (
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
)

// ConnectionLimiter caps concurrent control connections per client IP.
type ConnectionLimiter struct {
	mu          sync.Mutex
	connections map[string]int
	maxConn     int
}

func NewConnectionLimiter(maxConn int) *ConnectionLimiter {
	return &ConnectionLimiter{
		connections: make(map[string]int),
		maxConn:     maxConn,
	}
}

func (cl *ConnectionLimiter) TryConnect(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] >= cl.maxConn {
		return false
	}
	cl.connections[ip]++
	return true
}

func (cl *ConnectionLimiter) Disconnect(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.connections[ip] > 0 {
		cl.connections[ip]--
		if cl.connections[ip] == 0 {
			delete(cl.connections, ip)
		}
	}
}

var (
	trustedProxies []*net.IPNet
	proxyOnce      sync.Once
)

func initTrustedProxies() {
	proxyOnce.Do(func() {
		defaultCIDRs := []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
		if env := os.Getenv("ONLYYOU_TRUSTED_PROXIES"); env != "" {
			defaultCIDRs = strings.Split(env, ",")
		}
		for _, cidr := range defaultCIDRs {
			cidr = strings.TrimSpace(cidr)
			_, network, err := net.ParseCIDR(cidr)
			if err == nil {
				trustedProxies = append(trustedProxies, network)
			}
		}
	})
}

func isTrustedProxy(ip string) bool {
	initTrustedProxies()
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, network := range trustedProxies {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// GetClientIP extracts client IP, only trusting proxy headers from trusted sources.
func GetClientIP(r *http.Request) string {
	directIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	if directIP == "" {
		directIP = r.RemoteAddr
	}

	if isTrustedProxy(directIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			clientIP := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(clientIP) != nil {
				return clientIP
			}
		}
		if xri := r.Header.Get("X-Real-Ip"); xri != "" {
			xri = strings.TrimSpace(xri)
			if net.ParseIP(xri) != nil {
				return xri
			}
		}
	}

	return directIP
}
