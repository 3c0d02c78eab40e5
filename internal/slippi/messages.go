package slippi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kuuji/slipgate/internal/config"
)

// Wire-format type strings of the upstream matchmaking protocol.
const (
	msgCreateTicket     = "create-ticket"
	msgCreateTicketResp = "create-ticket-resp"
	msgGetTicketResp    = "get-ticket-resp"
)

// modeDirect selects direct connect-code matchmaking.
const modeDirect = 2

// codeBytes marshals a connect code as a JSON array of byte values, the
// shape the matchmaking server expects for search targets. encoding/json
// would base64 a plain []byte.
type codeBytes string

func (c codeBytes) MarshalJSON() ([]byte, error) {
	vals := make([]int, len(c))
	for i := 0; i < len(c); i++ {
		vals[i] = int(c[i])
	}
	return json.Marshal(vals)
}

// ticketRequest is the create-ticket message opening a match search.
type ticketRequest struct {
	Type         string       `json:"type"`
	User         ticketUser   `json:"user"`
	Search       ticketSearch `json:"search"`
	AppVersion   string       `json:"appVersion"`
	IPAddressLAN string       `json:"ipAddressLan"`
}

type ticketUser struct {
	UID     string `json:"uid"`
	PlayKey string `json:"playKey"`
}

type ticketSearch struct {
	Mode        int       `json:"mode"`
	ConnectCode codeBytes `json:"connectCode"`
}

// newTicketRequest builds the create-ticket payload for one search.
// appVersion comes from the version endpoint; localPort is the worker's
// bound UDP port, advertised as the LAN fallback address.
func newTicketRequest(identity config.BotIdentity, targetCode, appVersion string, localPort uint16) ticketRequest {
	return ticketRequest{
		Type: msgCreateTicket,
		User: ticketUser{
			UID:     identity.UID,
			PlayKey: identity.PlayKey,
		},
		Search: ticketSearch{
			Mode:        modeDirect,
			ConnectCode: codeBytes(targetCode),
		},
		AppVersion:   appVersion,
		IPAddressLAN: fmt.Sprintf("127.0.0.1:%d", localPort),
	}
}

// serverMessage covers everything the matchmaking server pushes back:
// create-ticket acknowledgements and ticket progress updates.
type serverMessage struct {
	Type          string   `json:"type"`
	Error         string   `json:"error,omitempty"`
	LatestVersion string   `json:"latestVersion,omitempty"`
	Players       []player `json:"players,omitempty"`
}

type player struct {
	ConnectCode string `json:"connectCode"`
	IPAddress   string `json:"ipAddress"`
	DisplayName string `json:"displayName"`
}

// splitAddress parses the "host:port" or "host:port:aux" addresses the
// server reports for players, ignoring anything after the port.
func splitAddress(addr string) (host string, port uint16, err error) {
	parts := strings.Split(addr, ":")
	if len(parts) < 2 {
		return "", 0, fmt.Errorf("address %q has no port", addr)
	}
	if parts[0] == "" {
		return "", 0, errors.New("address has an empty host")
	}
	p, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("address %q has a bad port: %w", addr, err)
	}
	return parts[0], uint16(p), nil
}
