// Package lease implements the session engine's lease snapshot source:
// polling a Kea Control Agent's HTTP command API for the current
// lease4-get-all table and filtering it down to the leases this BNG's
// own relay-id stamped.
package lease

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/saphalpdyl/aether/internal/engine"
)

const (
	agentCircuitIDSubOption = 1
	agentRemoteIDSubOption  = 2
	agentRelayIDSubOption   = 12

	keaActiveState = 0
)

// Config configures a Client.
type Config struct {
	BaseURL    string // e.g. "https://kea-ctrl.example.net:8000"
	AuthUser   string // "bng" in the lab deployment
	AuthPass   string
	RelayID    string // only leases this BNG itself stamped are kept
	Timeout    time.Duration
	MaxRetries int
}

// Client implements engine.LeaseClient by polling a Kea Control Agent.
type Client struct {
	cfg  Config
	http *retryablehttp.Client
}

var _ engine.LeaseClient = (*Client)(nil)

// New builds a Client with an exponential-backoff retry policy for
// transient Control Agent failures.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = cfg.MaxRetries
	httpClient.HTTPClient.Timeout = cfg.Timeout
	httpClient.Logger = nil

	return &Client{cfg: cfg, http: httpClient}
}

// keaCommandRequest is the lease4-get-all command body the Kea Control
// Agent's HTTP API expects.
type keaCommandRequest struct {
	Command string   `json:"command"`
	Service []string `json:"service"`
}

// keaCommandResponse is one element of Kea's command-response array.
type keaCommandResponse struct {
	Result    int `json:"result"`
	Arguments struct {
		Leases []keaLease `json:"leases"`
	} `json:"arguments"`
}

type keaLease struct {
	IPAddress     string `json:"ip-address"`
	HWAddress     string `json:"hw-address"`
	State         int    `json:"state"`
	CLTT          int64  `json:"cltt"`
	ValidLifetime int64  `json:"valid-lft"`
	UserContext   struct {
		ISC struct {
			RelayAgentInfo json.RawMessage `json:"relay-agent-info"`
		} `json:"ISC"`
	} `json:"user-context"`
}

// relayAgentInfo accepts both shapes Kea's user-context has used for the
// decoded Option 82 payload: a nested object with a "sub-options" hex
// string field, or the hex string directly.
type relayAgentInfo struct {
	SubOptions string
}

func (r *relayAgentInfo) UnmarshalJSON(data []byte) error {
	var asObject struct {
		SubOptions string `json:"sub-options"`
	}
	if err := json.Unmarshal(data, &asObject); err == nil && asObject.SubOptions != "" {
		r.SubOptions = asObject.SubOptions
		return nil
	}
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		r.SubOptions = asString
		return nil
	}
	return nil
}

// FetchLeases polls `POST {BaseURL}/leases` with the lease4-get-all
// command and returns only leases carrying this BNG's own relay-id.
func (c *Client) FetchLeases(ctx context.Context) ([]engine.Lease, error) {
	body, err := json.Marshal(keaCommandRequest{
		Command: "lease4-get-all",
		Service: []string{"dhcp4"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal kea command: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/leases", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.AuthUser, c.cfg.AuthPass)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lease service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lease service: unexpected status %d", resp.StatusCode)
	}

	var responses []keaCommandResponse
	if err := json.NewDecoder(resp.Body).Decode(&responses); err != nil {
		return nil, fmt.Errorf("decode kea response: %w", err)
	}
	if len(responses) == 0 {
		return nil, fmt.Errorf("lease service: empty command response")
	}

	var leases []engine.Lease
	for _, raw := range responses[0].Arguments.Leases {
		lease, ok := c.convertLease(raw)
		if !ok {
			continue
		}
		leases = append(leases, lease)
	}
	return leases, nil
}

func (c *Client) convertLease(raw keaLease) (engine.Lease, bool) {
	if raw.State != keaActiveState {
		return engine.Lease{}, false
	}

	var info relayAgentInfo
	if len(raw.UserContext.ISC.RelayAgentInfo) > 0 {
		_ = info.UnmarshalJSON(raw.UserContext.ISC.RelayAgentInfo)
	}
	if info.SubOptions == "" {
		return engine.Lease{}, false
	}

	circuitID, remoteID, relayID, ok := parseNetworkTLV(info.SubOptions)
	if !ok || circuitID == "" || remoteID == "" || relayID == "" {
		return engine.Lease{}, false
	}
	if relayID != c.cfg.RelayID {
		return engine.Lease{}, false
	}

	ip, err := netip.ParseAddr(raw.IPAddress)
	if err != nil {
		return engine.Lease{}, false
	}

	return engine.Lease{
		CircuitID:         circuitID,
		RemoteID:          remoteID,
		RelayID:           relayID,
		MAC:               raw.HWAddress,
		IP:                ip,
		Expiry:            time.Unix(raw.CLTT+raw.ValidLifetime, 0),
		LastStateUpdateTS: time.Unix(raw.CLTT, 0),
		IsActive:          true,
	}, true
}

// parseNetworkTLV decodes a hex-encoded RFC 3046 sub-option TLV block
// (Kea's "sub-options" user-context field) into circuit-id/remote-id/
// relay-id. remote-id is normalized to a lowercase hex string; the
// others decode as ASCII.
func parseNetworkTLV(hexStr string) (circuitID, remoteID, relayID string, ok bool) {
	hexStr = strings.TrimPrefix(hexStr, "0x")
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", "", "", false
	}

	i := 0
	for i+1 < len(raw) {
		t := raw[i]
		ln := int(raw[i+1])
		if i+2+ln > len(raw) {
			break
		}
		val := raw[i+2 : i+2+ln]
		switch t {
		case agentCircuitIDSubOption:
			circuitID = string(val)
		case agentRemoteIDSubOption:
			remoteID = hex.EncodeToString(val)
		case agentRelayIDSubOption:
			relayID = string(val)
		}
		i += 2 + ln
	}
	return circuitID, remoteID, relayID, true
}
