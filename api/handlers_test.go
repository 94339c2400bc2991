package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"potnode/core"
)

func newTestServer(t *testing.T) (*Server, *core.Engine) {
	t.Helper()
	dir := t.TempDir()
	ks, err := core.LoadOrCreateKeystore(dir)
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	self := core.Node{ID: ks.ID, Host: "self-host", Port: 5000, Type: core.NodeValidator}

	open := func(name string) *core.FileStorage {
		s, err := core.NewFileStorage(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("storage %s: %v", name, err)
		}
		return s
	}
	chain, err := core.NewChainManager(open("blockchain"))
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	nodes, err := core.NewNodeManager(open("nodes"), self.ID)
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if err := nodes.Add(self); err != nil {
		t.Fatalf("add self: %v", err)
	}
	validators, err := core.NewValidatorManager(open("validators"))
	if err != nil {
		t.Fatalf("validators: %v", err)
	}
	if err := validators.Set([]uuid.UUID{self.ID}); err != nil {
		t.Fatalf("set validators: %v", err)
	}
	pending, err := core.NewPendingTxManager(open("transaction"))
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	verified, err := core.NewVerifiedTxManager(open("transaction_verified"))
	if err != nil {
		t.Fatalf("verified: %v", err)
	}
	trust, err := core.NewTrustManager(open("nodes_trust"))
	if err != nil {
		t.Fatalf("trust: %v", err)
	}
	history, err := core.NewTrustHistoryManager(open("node_trust_history"))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	agreement, err := core.NewAgreementManager(open("validators_agreement"), open("validators_agreement_info"), open("validator_agreement_result"))
	if err != nil {
		t.Fatalf("agreement: %v", err)
	}

	log := logrus.NewEntry(logrus.New())
	client := core.NewClient(log)
	engine := core.NewEngine(self, ks, chain, nodes, validators, pending, verified, trust, history, agreement, client, log, 0)
	return NewServer(":0", engine, log, 0, 0), engine
}

func doRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHandleInfoReturnsOK(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/info", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePublicKeyReturnsPEM(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/public-key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Content-Type") != "application/x-pem-file" {
		t.Fatalf("expected a PEM content type, got %q", rec.Header().Get("Content-Type"))
	}
}

func TestHandleNodeGetUnknownReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/node/"+uuid.New().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown node, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] == "" {
		t.Fatalf("expected an {error: ...} envelope, got %s", rec.Body.String())
	}
}

func TestHandleTransactionGetUnknownReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/transaction/"+uuid.New().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleTransactionNewBadBodyReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/transaction", []byte("not a real encoded tx"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed transaction body, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAgreementGetReturnsState(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/node/validator/agreement", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
