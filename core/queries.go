package core

// queries.go — read-only snapshot builders backing the GET endpoints of
// the HTTP API (spec.md §6). Grounded on the original Python http.py's
// view functions, translated into typed Go structs the api package
// marshals directly.

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

// InfoSnapshot is the body of GET /info.
type InfoSnapshot struct {
	Status     string `json:"status"`
	IP         string `json:"ip"`
	Hostname   string `json:"hostname"`
	Identifier string `json:"identifier"`
}

func (e *Engine) Info(ip, hostname string) InfoSnapshot {
	return InfoSnapshot{Status: "active", IP: ip, Hostname: hostname, Identifier: e.Self.ID.String()}
}

// BlockDict is one block rendered for GET /blockchain.
type BlockDict struct {
	Version      uint32 `json:"version"`
	Timestamp    uint32 `json:"timestamp"`
	PrevHash     string `json:"prev_hash"`
	Validator    string `json:"validator"`
	Signature    string `json:"signature"`
	Transactions int    `json:"transaction_count"`
}

func (e *Engine) BlockchainSnapshot() ([]BlockDict, error) {
	chain, err := e.Chain.All()
	if err != nil {
		return nil, err
	}
	out := make([]BlockDict, len(chain))
	for i, b := range chain {
		out[i] = BlockDict{
			Version:      b.Version,
			Timestamp:    b.Timestamp,
			PrevHash:     hex.EncodeToString(b.PrevHash[:]),
			Validator:    b.Validator.String(),
			Signature:    hex.EncodeToString(b.Signature[:]),
			Transactions: len(b.Transactions),
		}
	}
	return out, nil
}

// ToVerifyVote is one recorded vote in the to-verify snapshot.
type ToVerifyVote struct {
	UUID   string `json:"uuid"`
	Result bool   `json:"result"`
}

// ToVerifyEntry is the body of one map value in GET /transaction/to-verify.
type ToVerifyEntry struct {
	Timestamp   int64          `json:"timestamp"`
	Transaction string         `json:"transaction"`
	Node        string         `json:"node"`
	Voting      ToVerifyVoting `json:"voting"`
}

type ToVerifyVoting struct {
	Result int            `json:"result"`
	Count  int            `json:"count"`
	Voting []ToVerifyVote `json:"voting"`
}

// TransactionsToVerifySnapshot renders the full pending pool for the
// to-verify listing endpoint; Transaction is base64-of-the-canonical-
// encoding, hex-encoded, matching the original's b64encode(...).hex().
func (e *Engine) TransactionsToVerifySnapshot() (map[string]ToVerifyEntry, error) {
	pending, err := e.Pending.All()
	if err != nil {
		return nil, err
	}
	out := make(map[string]ToVerifyEntry, len(pending))
	for id, entry := range pending {
		votes := make([]ToVerifyVote, 0, len(entry.Voting))
		positive := 0
		for voter, result := range entry.Voting {
			votes = append(votes, ToVerifyVote{UUID: voter.String(), Result: result})
			if result {
				positive++
			}
		}
		b64 := base64.StdEncoding.EncodeToString(EncodeTx(entry.Tx))
		out[id.String()] = ToVerifyEntry{
			Timestamp:   entry.ArrivalTime.Unix(),
			Transaction: hex.EncodeToString([]byte(b64)),
			Node:        entry.SubmitterNode.ID.String(),
			Voting: ToVerifyVoting{
				Result: positive,
				Count:  len(entry.Voting),
				Voting: votes,
			},
		}
	}
	return out, nil
}

// VerifiedEntry is one element of GET /blockchain/verified.
type VerifiedEntry struct {
	Identifier string         `json:"identifier"`
	Timestamp  int64          `json:"timestamp"`
	Data       TxDataSnapshot `json:"data"`
}

// TxDataSnapshot renders TxData for JSON responses without the Raw field.
type TxDataSnapshot struct {
	T string      `json:"t"`
	D interface{} `json:"d"`
	N *string     `json:"n,omitempty"`
}

func (e *Engine) VerifiedSnapshot() ([]VerifiedEntry, error) {
	ids, entries, err := e.Verified.All()
	if err != nil {
		return nil, err
	}
	out := make([]VerifiedEntry, len(ids))
	for i, id := range ids {
		v := entries[i]
		var d interface{}
		_ = json.Unmarshal(v.Tx.Data.D, &d)
		out[i] = VerifiedEntry{
			Identifier: id.String(),
			Timestamp:  v.VerifiedTime.Unix(),
			Data:       TxDataSnapshot{T: v.Tx.Data.T, D: d, N: v.Tx.Data.N},
		}
	}
	return out, nil
}

// NodeInfo is one element of GET /node/list and the body of GET /node/{id}.
type NodeInfo struct {
	Identifier string `json:"identifier"`
	Host       string `json:"host"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	Trust      int    `json:"trust"`
	Validator  bool   `json:"validator"`
}

func (e *Engine) nodeInfo(n Node) (NodeInfo, error) {
	trust, err := e.Trust.Get(n.ID)
	if err != nil {
		return NodeInfo{}, err
	}
	isVal, err := e.Validators.Contains(n.ID)
	if err != nil {
		return NodeInfo{}, err
	}
	return NodeInfo{
		Identifier: n.ID.String(), Host: n.Host, Port: n.Port, Type: n.Type.String(),
		Trust: trust, Validator: isVal,
	}, nil
}

func (e *Engine) NodeListSnapshot() ([]NodeInfo, error) {
	nodes, err := e.Nodes.All()
	if err != nil {
		return nil, err
	}
	out := make([]NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		info, err := e.nodeInfo(n)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (e *Engine) NodeGet(id uuid.UUID) (NodeInfo, error) {
	n, ok, err := e.Nodes.FindByID(id)
	if err != nil {
		return NodeInfo{}, err
	}
	if !ok {
		return NodeInfo{}, NewUnknownEntity("unknown node id")
	}
	return e.nodeInfo(n)
}

// NodeUpdateSnapshot is the body of GET /node/update.
type NodeUpdateSnapshot struct {
	Blockchain string `json:"blockchain"`
	Nodes      []Node `json:"nodes"`
}

func (e *Engine) NodeUpdate() (NodeUpdateSnapshot, error) {
	chain, err := e.Chain.All()
	if err != nil {
		return NodeUpdateSnapshot{}, err
	}
	nodes, err := e.Nodes.All()
	if err != nil {
		return NodeUpdateSnapshot{}, err
	}
	return NodeUpdateSnapshot{Blockchain: encodeHexBase64Chain(chain), Nodes: nodes}, nil
}

// RegisterNode admits a fresh node (POST /node/register), returning the
// existing identity unchanged if host:port is already known
// (self-registration idempotence, see SPEC_FULL.md).
func (e *Engine) RegisterNode(id uuid.UUID, host string, port uint16, nodeType NodeType) (Node, error) {
	known, err := e.Nodes.All()
	if err != nil {
		return Node{}, err
	}
	for _, existing := range known {
		if existing.Host == host && existing.Port == port {
			return existing, nil
		}
	}
	n := Node{ID: id, Host: host, Port: port, Type: nodeType}
	if err := e.Nodes.Add(n); err != nil {
		return Node{}, err
	}
	if err := e.Trust.AddNewNodeTrust(id, nil); err != nil {
		return Node{}, err
	}
	return n, nil
}

// PopulateNode admits a node announced by a peer (POST /node/populate-new),
// a no-op if already known.
func (e *Engine) PopulateNode(id uuid.UUID, host string, port uint16) error {
	if _, ok, err := e.Nodes.FindByID(id); err != nil {
		return err
	} else if ok {
		return nil
	}
	if err := e.Nodes.Add(Node{ID: id, Host: host, Port: port}); err != nil {
		return err
	}
	return e.Trust.AddNewNodeTrust(id, nil)
}

// AgreementSnapshot is the body of GET /node/validator/agreement.
type AgreementSnapshot struct {
	IsStarted bool     `json:"isStarted"`
	Leader    string   `json:"leader,omitempty"`
	List      []string `json:"list,omitempty"`
	Voting    int      `json:"voting,omitempty"`
}

func (e *Engine) AgreementGet() AgreementSnapshot {
	state := e.Agreement.State()
	snap := AgreementSnapshot{IsStarted: state.IsStarted}
	if !state.IsStarted {
		return snap
	}
	if len(state.Leaders) > 0 {
		snap.Leader = state.Leaders[len(state.Leaders)-1].String()
	}
	snap.List = HexUUIDList(state.ProposedList)
	snap.Voting = len(state.Votes)
	return snap
}
