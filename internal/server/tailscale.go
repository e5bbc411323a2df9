// ABOUTME: Tailscale tsnet listeners for serving the API and gRPC health on a tailnet
// ABOUTME: Supports plain HTTP, HTTPS with tailnet certificates, and public Funnel

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-dispatch/internal/config"
)

// tailscaleGRPCPort is the tailnet port of the gRPC health service.
const tailscaleGRPCPort = ":50061"

// tailnetMode is how the API is exposed on the tailnet.
type tailnetMode string

const (
	tailnetHTTP   tailnetMode = "http"
	tailnetHTTPS  tailnetMode = "https"
	tailnetFunnel tailnetMode = "funnel"
)

// tailnetModeFor picks the API listener mode and port. Funnel implies HTTPS.
func tailnetModeFor(cfg config.TailscaleConfig) (tailnetMode, string) {
	switch {
	case cfg.Funnel:
		return tailnetFunnel, ":443"
	case cfg.HTTPS:
		return tailnetHTTPS, ":443"
	default:
		return tailnetHTTP, ":80"
	}
}

// resolveTailscaleStateDir returns the node state directory: the configured
// one, else coven-dispatch/tailscale under $XDG_DATA_HOME or ~/.local/share.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "coven-dispatch", "tailscale"), nil
}

// resolveTailscaleAuthKey prefers the configured key over TS_AUTHKEY.
func resolveTailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if env := os.Getenv("TS_AUTHKEY"); env != "" {
		return env, nil
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// nodeAddress returns the first tailnet IP and the MagicDNS name of a node.
// Either may be empty while the node is still coming up.
func nodeAddress(status *ipnstate.Status) (ip, dnsName string) {
	if status == nil {
		return "", ""
	}
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	return ip, dnsName
}

// setupTailscaleListeners joins the tailnet and returns the gRPC health and
// API listeners.
func (s *Server) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	node := &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}
	defer func() {
		if err != nil {
			_ = node.Close()
		}
	}()

	s.logger.Info("joining tailnet", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := node.Up(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	ip, dnsName := nodeAddress(status)
	if ip == "" {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	s.logger.Info("tailscale node ready", "hostname", tsCfg.Hostname, "tailscale_ip", ip, "dns_name", dnsName)

	grpcLn, err = node.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = s.listenTailnetAPI(node, tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, err
	}
	s.tsnetServer = node
	return grpcLn, httpLn, nil
}

// listenTailnetAPI opens the API listener for the configured mode. HTTPS
// terminates TLS with certificates issued to the node.
func (s *Server) listenTailnetAPI(node *tsnet.Server, tsCfg config.TailscaleConfig) (net.Listener, error) {
	mode, port := tailnetModeFor(tsCfg)
	s.logger.Info("serving API on tailnet", "mode", mode, "port", port)

	switch mode {
	case tailnetFunnel:
		ln, err := node.ListenFunnel("tcp", port)
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel %s: %w", port, err)
		}
		return ln, nil
	case tailnetHTTPS:
		ln, err := node.Listen("tcp", port)
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale %s: %w", port, err)
		}
		lc, err := node.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := node.Listen("tcp", port)
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale %s: %w", port, err)
		}
		return ln, nil
	}
}
