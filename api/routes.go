package api

// routes.go — endpoint registration for the full spec.md §6 table.
// Grounded on walletserver/routes/routes.go's Register(r, controller)
// shape.

import "time"

func (s *Server) routes(minDelay, maxDelay time.Duration) {
	r := s.router
	r.Use(loggingMiddleware(s.log))
	if minDelay > 0 || maxDelay > 0 {
		r.Use(delayMiddleware(minDelay, maxDelay))
	}

	r.HandleFunc("/info", s.handleInfo).Methods("GET")
	r.HandleFunc("/public-key", s.handlePublicKey).Methods("GET")
	r.HandleFunc("/blockchain", s.handleBlockchain).Methods("GET")
	r.HandleFunc("/transaction/to-verify", s.handleTransactionsToVerify).Methods("GET")
	r.HandleFunc("/blockchain/verified", s.handleVerified).Methods("GET")
	r.HandleFunc("/node/list", s.handleNodeList).Methods("GET")
	r.HandleFunc("/node/update", s.handleNodeUpdate).Methods("GET")
	r.HandleFunc("/node/validator/agreement", s.handleAgreementGet).Methods("GET")
	r.HandleFunc("/node/{id}", s.handleNodeGet).Methods("GET")
	r.HandleFunc("/transaction/{id}", s.handleTransactionGet).Methods("GET")

	r.HandleFunc("/transaction", s.handleTransactionNew).Methods("POST")
	r.HandleFunc("/transaction/{id}/populate", s.handleTransactionPopulate).Methods("POST")
	r.HandleFunc("/transaction/{id}/verifyResult", s.handleTransactionVerifyResult).Methods("POST")
	r.HandleFunc("/transaction/{id}/verified", s.handleTransactionVerified).Methods("POST")
	r.HandleFunc("/block", s.handleBlockNew).Methods("POST")
	r.HandleFunc("/blockchain/block/new", s.handleBlockNewStatus).Methods("POST")
	r.HandleFunc("/node/register", s.handleNodeRegister).Methods("POST")
	r.HandleFunc("/node/populate-new", s.handleNodePopulateNew).Methods("POST")
	r.HandleFunc("/node/validator/new", s.handleValidatorNew).Methods("POST")
	r.HandleFunc("/node/validator/agreement", s.handleAgreementStart).Methods("POST")
	r.HandleFunc("/node/validator/agreement/done", s.handleAgreementDone).Methods("POST")

	r.HandleFunc("/node/{id}/trust", s.handleNodeTrust).Methods("PATCH")
	r.HandleFunc("/node/validator/agreement/vote", s.handleAgreementVote).Methods("PATCH")
}
