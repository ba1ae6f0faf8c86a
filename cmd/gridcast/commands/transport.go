// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"log/slog"

	"github.com/bureau-foundation/gridcast/cmd/gridcast/cli"
	"github.com/bureau-foundation/gridcast/lib/clock"
	"github.com/bureau-foundation/gridcast/lib/config"
	"github.com/bureau-foundation/gridcast/transport"
)

// listen opens the viewer listener cfg describes.
func listen(cfg config.TransportConfig, logger *slog.Logger) (transport.Listener, error) {
	switch cfg.Kind {
	case "tcp":
		listener, err := transport.NewTCPListener(cfg.Address)
		if err != nil {
			return nil, cli.Transient("listening on %s: %w", cfg.Address, err)
		}
		return listener, nil
	case "unix":
		listener, err := transport.NewUnixListener(cfg.Address)
		if err != nil {
			return nil, cli.Transient("listening on %s: %w", cfg.Address, err)
		}
		return listener, nil
	case "websocket":
		listener, err := transport.NewWebSocketListener(cfg.Address, logger.With("transport", "websocket"))
		if err != nil {
			return nil, cli.Transient("%w", err)
		}
		return listener, nil
	case "webrtc":
		return newWebRTC(cfg, cfg.Name, logger)
	default:
		return nil, cli.Validation("unknown transport %q", cfg.Kind)
	}
}

// dialer returns a Dialer for cfg. name identifies the viewer in
// WebRTC signaling. The returned func releases the dialer's resources.
func dialer(cfg config.TransportConfig, name string, logger *slog.Logger) (transport.Dialer, func(), error) {
	switch cfg.Kind {
	case "tcp", "unix":
		return &transport.StreamDialer{Network: cfg.Kind}, func() {}, nil
	case "websocket":
		return &transport.WebSocketDialer{}, func() {}, nil
	case "webrtc":
		webrtc, err := newWebRTC(cfg, name, logger)
		if err != nil {
			return nil, nil, err
		}
		return webrtc, func() { webrtc.Close() }, nil
	default:
		return nil, nil, cli.Validation("unknown transport %q", cfg.Kind)
	}
}

func newWebRTC(cfg config.TransportConfig, name string, logger *slog.Logger) (*transport.WebRTCTransport, error) {
	signaler, err := transport.NewDirectorySignaler(cfg.SignalingDirectory, clock.Real())
	if err != nil {
		return nil, cli.Internal("opening signaling directory: %w", err)
	}
	ice := transport.ICEConfigFromURLs(cfg.ICEURLs, cfg.ICEUsername, cfg.ICECredential)
	return transport.NewWebRTCTransport(signaler, name, ice, logger.With("transport", "webrtc")), nil
}
