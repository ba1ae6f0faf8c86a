// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEConfigFromURLs builds an ICEConfig from configured server URLs.
// STUN URLs become one credential-less server; TURN URLs share
// username and credential. With no URLs the config has only host
// candidates, which is sufficient for same-machine and same-LAN
// viewers.
func ICEConfigFromURLs(urls []string, username, credential string) ICEConfig {
	var stun, turn []string
	for _, url := range urls {
		switch {
		case strings.HasPrefix(url, "turn:"), strings.HasPrefix(url, "turns:"):
			turn = append(turn, url)
		case url != "":
			stun = append(stun, url)
		}
	}
	var config ICEConfig
	if len(stun) > 0 {
		config.Servers = append(config.Servers, webrtc.ICEServer{URLs: stun})
	}
	if len(turn) > 0 {
		config.Servers = append(config.Servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return config
}
