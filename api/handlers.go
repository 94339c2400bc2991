package api

// handlers.go — one handler per spec.md §6 endpoint, translating HTTP
// requests into Engine calls and Engine/APIError results back into the
// {error: string} envelope. Grounded on cmd/explorer/server.go's
// handler-per-route shape and the original http.py view functions this
// table was distilled from.

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"potnode/core"
)

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*core.APIError); ok {
		writeJSON(w, apiErr.Code, map[string]string{"error": apiErr.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// sourceHost strips the port from r.RemoteAddr, falling back to the raw
// value if it isn't in host:port form.
func sourceHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := mux.Vars(r)["id"]
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, core.NewMalformedRequest("bad id in path: " + raw)
	}
	return id, nil
}

// --- read-only GETs ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, s.engine.Info(sourceHost(r), hostname))
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	pem, err := s.engine.Keystore.PublicKeyPEM()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(pem)
}

func (s *Server) handleBlockchain(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.BlockchainSnapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blockchain": snap})
}

func (s *Server) handleTransactionsToVerify(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.TransactionsToVerifySnapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleVerified(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.VerifiedSnapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": snap})
}

func (s *Server) handleNodeList(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.NodeListSnapshot()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": snap})
}

func (s *Server) handleNodeGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := s.engine.NodeGet(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleNodeUpdate(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.NodeUpdate()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAgreementGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.AgreementGet())
}

// --- transaction actions ---

func (s *Server) handleTransactionNew(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		writeError(w, core.NewMalformedRequest("read body: "+err.Error()))
		return
	}
	id, err := s.engine.TransactionNew(r.Context(), raw, sourceHost(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

func (s *Server) handleTransactionPopulate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, core.NewMalformedRequest("read body: "+err.Error()))
		return
	}
	if err := s.engine.TransactionPopulate(r.Context(), id, raw); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTransactionVerifyResult(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Result  bool   `json:"result"`
		Message string `json:"message,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewMalformedRequest("decode body: "+err.Error()))
		return
	}
	voter, ok, err := s.engine.Nodes.FindByHost(sourceHost(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, core.NewNotAuthorized("unknown voter source address"))
		return
	}
	isVal, err := s.engine.Validators.Contains(voter.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !isVal {
		writeError(w, core.NewNotAuthorized("source address does not belong to a validator"))
		return
	}
	if err := s.engine.AddTransactionVerificationResult(r.Context(), id, voter.ID, body.Result); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTransactionGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	raw, err := s.engine.TransactionGet(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(raw)
}

func (s *Server) handleTransactionVerified(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		writeError(w, core.NewMalformedRequest("read body: "+err.Error()))
		return
	}
	tx, err := core.DecodeTx(raw)
	if err != nil {
		writeError(w, core.NewMalformedRequest("decode tx: "+err.Error()))
		return
	}
	if err := s.engine.Verified.Add(id, &core.TxVerified{Tx: tx, VerifiedTime: time.Now().UTC()}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- block actions ---

func (s *Server) handleBlockNew(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, core.NewMalformedRequest("read body: "+err.Error()))
		return
	}
	if err := s.engine.AddNewBlock(r.Context(), raw, sourceHost(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleBlockNewStatus(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, core.NewMalformedRequest("read body: "+err.Error()))
		return
	}
	if err := s.engine.AddNewBlock(r.Context(), raw, sourceHost(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// --- node roster actions ---

func (s *Server) handleNodeRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
		Port       uint16 `json:"port"`
		Type       string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewMalformedRequest("decode body: "+err.Error()))
		return
	}
	id := uuid.New()
	if body.Identifier != "" {
		if parsed, err := uuid.Parse(body.Identifier); err == nil {
			id = parsed
		}
	}
	host := sourceHost(r)
	n, err := s.engine.RegisterNode(id, host, body.Port, core.ParseNodeType(body.Type))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identifier": n.ID.String(), "host": n.Host, "port": n.Port,
	})
}

func (s *Server) handleNodePopulateNew(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
		Host       string `json:"host"`
		Port       uint16 `json:"port"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewMalformedRequest("decode body: "+err.Error()))
		return
	}
	id, err := uuid.Parse(body.Identifier)
	if err != nil {
		writeError(w, core.NewMalformedRequest("bad identifier"))
		return
	}
	if err := s.engine.PopulateNode(id, body.Host, body.Port); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleValidatorNew(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Validators []string `json:"validators"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewMalformedRequest("decode body: "+err.Error()))
		return
	}
	list, err := core.ParseHexUUIDList(body.Validators)
	if err != nil {
		writeError(w, core.NewMalformedRequest(err.Error()))
		return
	}
	if err := s.engine.InstallNewValidators(list); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleNodeTrust(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Timestamp      float64 `json:"timestamp"`
		Change         int     `json:"change"`
		Type           string  `json:"type"`
		AdditionalData string  `json:"additionalData,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewMalformedRequest("decode body: "+err.Error()))
		return
	}
	typ, ok := core.ParseTrustChangeType(body.Type)
	if !ok {
		writeError(w, core.NewMalformedRequest("unknown trust change type: "+body.Type))
		return
	}
	event := core.NodeTrustChange{
		Target: id, Timestamp: body.Timestamp, Type: typ, Delta: body.Change, Context: body.AdditionalData,
	}
	if err := s.engine.ReceiveTrustChange(r.Context(), event); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- agreement actions ---

func (s *Server) handleAgreementStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		List []string `json:"list"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewMalformedRequest("decode body: "+err.Error()))
		return
	}
	list, err := core.ParseHexUUIDList(body.List)
	if err != nil {
		writeError(w, core.NewMalformedRequest(err.Error()))
		return
	}
	proposer, ok, err := s.engine.Nodes.FindByHost(sourceHost(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, core.NewNotAuthorized("unknown proposer source address"))
		return
	}
	vote, err := s.engine.AgreementReceiveProposal(r.Context(), proposer, list)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accepted": vote, "list": body.List})
}

func (s *Server) handleAgreementVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Result bool `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewMalformedRequest("decode body: "+err.Error()))
		return
	}
	voter, ok, err := s.engine.Nodes.FindByHost(sourceHost(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, core.NewNotAuthorized("unknown voter source address"))
		return
	}
	if err := s.engine.AgreementReceiveVote(r.Context(), voter.ID, body.Result); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAgreementDone(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Validators []string `json:"validators"`
		Leader     string   `json:"leader"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, core.NewMalformedRequest("decode body: "+err.Error()))
		return
	}
	list, err := core.ParseHexUUIDList(body.Validators)
	if err != nil {
		writeError(w, core.NewMalformedRequest(err.Error()))
		return
	}
	if err := s.engine.InstallNewValidators(list); err != nil {
		writeError(w, err)
		return
	}
	s.log.WithField("leader", body.Leader).Info("agreement concluded by peer")
	w.WriteHeader(http.StatusOK)
}
