package service

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/anchornet/anchord/src/node"
)

// Service manages the HTTP API through which clients submit hashes,
// retrieve proofs, and consult node statistics.
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, n *node.Node, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		logger:      logger,
	}

	http.HandleFunc("/hashes", service.makeHandler(service.SubmitHashes))
	http.HandleFunc("/proofs", service.makeHandler(service.GetProofs))
	http.HandleFunc("/stats", service.makeHandler(service.GetStats))

	return &service
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary
// to call Serve explicitly when the Service is used in-process.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Anchord API")

	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.WithError(err).Error("Serving Anchord API")
	}
}

type hashesRequest struct {
	Hashes []string `json:"hashes"`
}

// SubmitHashes accepts a POST with a JSON body listing hex-encoded hashes,
// queues them, and returns the minted proof ids with processing hints.
func (s *Service) SubmitHashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req hashesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.WithError(err).Debug("Decoding hashes request")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	batch, err := s.node.SubmitHashes(req.Hashes)
	if err != nil {
		s.logger.WithError(err).Debug("Submitting hashes")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(batch); err != nil {
		s.logger.WithError(err).Error("Encoding submitted batch")
	}
}

// GetProofs resolves proof ids passed as a comma-separated "proofids" query
// parameter, or header of the same name, into proof documents.
func (s *Service) GetProofs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	param := r.URL.Query().Get("proofids")
	if param == "" {
		param = r.Header.Get("proofids")
	}
	if param == "" {
		http.Error(w, "no proof ids requested", http.StatusBadRequest)
		return
	}

	ids := []string{}
	for _, id := range strings.Split(param, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	results, err := s.node.GetProofs(ids)
	if err != nil {
		s.logger.WithError(err).Debug("Resolving proofs")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(results); err != nil {
		s.logger.WithError(err).Error("Encoding proofs")
	}
}

// GetStats returns a snapshot of the node.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := s.node.GetStats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.WithError(err).Error("Encoding stats")
	}
}
