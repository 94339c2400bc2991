package core

// bootstrap.go — the genesis handshake a fresh node performs against the
// GENESIS_NODE env peer before joining the network: register self, then
// pull the peer's current chain and roster. Supplements spec.md (which
// treats "a configured genesis peer address" as an external input the
// core consumes, without detailing the handshake) using the original
// Python implementation's network/manager.py bootstrap sequence as a
// model, adapted to this engine's typed managers.

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

type registerRequest struct {
	Identifier string `json:"identifier"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type registerResponse struct {
	Identifier string `json:"identifier"`
	Host       string `json:"host"`
	Port       uint16 `json:"port"`
}

type nodeUpdateResponse struct {
	Blockchain string `json:"blockchain"`
	Nodes      []Node `json:"nodes"`
}

// BootstrapResult carries what a fresh node learned from the genesis peer.
type BootstrapResult struct {
	ObservedHost string
	Chain        Chain
	Nodes        []Node
}

// Bootstrap registers self with the genesis peer and retrieves its current
// chain and node roster. It does not mutate any manager — the caller
// decides how to merge the result.
func Bootstrap(ctx context.Context, client *Client, genesis Node, self Node) (*BootstrapResult, error) {
	regReq := registerRequest{Identifier: self.ID.String(), Port: self.Port, Type: self.Type.String()}
	raw, err := client.PostJSON(ctx, genesis, "/node/register", regReq)
	if err != nil {
		return nil, fmt.Errorf("register with genesis: %w", err)
	}
	var regResp registerResponse
	if err := json.Unmarshal(raw, &regResp); err != nil {
		return nil, fmt.Errorf("decode register response: %w", err)
	}

	raw, err = client.Get(ctx, genesis, "/node/update")
	if err != nil {
		return nil, fmt.Errorf("fetch genesis update: %w", err)
	}
	var update nodeUpdateResponse
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, fmt.Errorf("decode update response: %w", err)
	}

	chain, err := decodeHexBase64Chain(update.Blockchain)
	if err != nil {
		return nil, fmt.Errorf("decode genesis chain: %w", err)
	}

	return &BootstrapResult{ObservedHost: regResp.Host, Chain: chain, Nodes: update.Nodes}, nil
}

// AnnounceSelf tells peer about self via POST /node/populate-new, used
// after bootstrap to fan registration out to the rest of the roster the
// genesis peer returned.
func AnnounceSelf(ctx context.Context, client *Client, peer, self Node) error {
	_, err := client.PostJSON(ctx, peer, "/node/populate-new", map[string]any{
		"identifier": self.ID.String(),
		"host":       self.Host,
		"port":       self.Port,
	})
	return err
}

func decodeHexBase64Chain(s string) (Chain, error) {
	if s == "" {
		return nil, nil
	}
	b64, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hex decode: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(string(b64))
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	return DecodeChain(bytes.NewReader(raw))
}

func encodeHexBase64Chain(c Chain) string {
	raw := EncodeChain(c)
	b64 := base64.StdEncoding.EncodeToString(raw)
	return hex.EncodeToString([]byte(b64))
}

// parseUUIDOrNil parses s as a UUID, returning the zero UUID and false when
// s is malformed. Nothing in the package calls it at present.
func parseUUIDOrNil(s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
