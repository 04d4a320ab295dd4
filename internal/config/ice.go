package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "ICE_SERVERS_JSON"
	envStunURLs       = "STUN_URLS"
	envTurnURLs       = "TURN_URLS"
	envTurnUsername   = "TURN_USERNAME"
	envTurnCredential = "TURN_CREDENTIAL"

	defaultStunURL = "stun:stun.l.google.com:19302"
)

// iceServersFromEnv prefers ICE_SERVERS_JSON, then the STUN/TURN variables,
// then a public STUN server.
func iceServersFromEnv() ([]webrtc.ICEServer, error) {
	if raw := stringsTrimSpace(envICEServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	servers, err := ICEServersFromURLs(
		stringsTrimSpace(envStunURLs),
		stringsTrimSpace(envTurnURLs),
		stringsTrimSpace(envTurnUsername),
		stringsTrimSpace(envTurnCredential),
	)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: []string{defaultStunURL}}}
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// urlList accepts the browser RTCIceServer shape where urls is a string or
// an array of strings.
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*u = many
	return nil
}

// ParseICEServersJSON decodes and validates a JSON array of RTCIceServer
// objects.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{
			URLs:     splitURLs(strings.Join(e.URLs, ",")),
			Username: strings.TrimSpace(e.Username),
		}
		if strings.TrimSpace(e.Credential) != "" {
			server.Credential = e.Credential
		}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ICEServersFromURLs builds at most one STUN and one TURN entry from
// comma-separated URL lists.
func ICEServersFromURLs(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitURLs(stunURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitURLs(turnURLs); len(urls) > 0 {
		if turnUsername == "" || turnCredential == "" {
			return nil, fmt.Errorf("%s and %s are required with %s", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: urls, Username: turnUsername, Credential: turnCredential}
		if err := validateICEServer(server); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitURLs(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	needsCredentials := false
	for _, u := range server.URLs {
		switch {
		case strings.HasPrefix(u, "stun:"), strings.HasPrefix(u, "stuns:"):
		case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
			needsCredentials = true
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	if !needsCredentials {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
