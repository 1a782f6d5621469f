// Package netutil resolves the agent's public IP, which identifies this
// worker to the coordinator when leasing tasks, and scrubs proxy variables
// from the environment so neither the browser nor the HTTP clients pick one
// up by accident.
package netutil

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"dpagent/internal/logging"
)

// echoServices are tried in order until one returns a plausible address.
var echoServices = []string{
	"https://api.ipify.org",
	"https://ifconfig.me/ip",
	"https://icanhazip.com",
	"https://api.ip.sb/ip",
}

var proxyVars = []string{
	"HTTP_PROXY", "HTTPS_PROXY", "ALL_PROXY", "NO_PROXY",
	"http_proxy", "https_proxy", "all_proxy", "no_proxy",
}

// ScrubProxyEnv removes every proxy variable from the process environment.
func ScrubProxyEnv(logger logging.Logger) {
	logger = logging.OrNop(logger)
	for _, v := range proxyVars {
		if _, ok := os.LookupEnv(v); ok {
			logger.Debug("clearing proxy variable %s", v)
			os.Unsetenv(v)
		}
	}
}

// PublicIP queries the echo services in order and returns the first valid
// address. Falls back to the outbound interface address when every service
// fails, so the agent can still identify itself on an isolated network.
func PublicIP(ctx context.Context, logger logging.Logger) string {
	logger = logging.OrNop(logger)
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{Proxy: nil},
	}
	for _, svc := range echoServices {
		ip, err := fetchIP(ctx, client, svc)
		if err != nil {
			logger.Debug("ip echo %s failed: %v", svc, err)
			continue
		}
		if net.ParseIP(ip) != nil {
			return ip
		}
		logger.Debug("ip echo %s returned garbage %q", svc, ip)
	}
	if ip := outboundIP(); ip != "" {
		logger.Warn("all ip echo services failed, using interface address %s", ip)
		return ip
	}
	logger.Error("could not determine any local address, using loopback")
	return "127.0.0.1"
}

func fetchIP(ctx context.Context, client *http.Client, svc string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

// outboundIP discovers the preferred local address by dialing a UDP socket.
// No packet is sent; the kernel just picks a source address.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:53")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
