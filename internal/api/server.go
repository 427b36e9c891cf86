package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"rulegate/pkg/rule"
	"rulegate/pkg/rules"
	"rulegate/pkg/session"
)

const maxRequestBody = 1 << 20

// Decider returns the policy for a session and the rule that chose it, nil
// when the default policy applied.
type Decider interface {
	Decide(ctx context.Context, s *session.Session) (string, rule.Rule, error)
}

type MatchRequest struct {
	Host     string            `json:"host"`
	IP       string            `json:"ip,omitempty"`
	Port     uint16            `json:"port,omitempty"`
	Network  string            `json:"network,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

type MatchResponse struct {
	Matched bool   `json:"matched"`
	Rule    string `json:"rule,omitempty"`
	Type    string `json:"type,omitempty"`
	Policy  string `json:"policy"`
}

type RuleInfo struct {
	Index       int    `json:"index"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type"`
	Policy      string `json:"policy,omitempty"`
	Description string `json:"description"`
}

// Server explains routing decisions over HTTP.
type Server struct {
	addr    string
	verbose bool
	decider Decider
	manager *rule.Manager
}

func NewServer(addr string, verbose bool, decider Decider, manager *rule.Manager) *Server {
	return &Server{
		addr:    addr,
		verbose: verbose,
		decider: decider,
		manager: manager,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/match", s.handleMatch)
	mux.HandleFunc("/api/rules", s.handleRules)

	return mux
}

// Start serves the API until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("API server listening on %s", s.addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}

	return nil
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, fmt.Sprintf("Failed to read request: %v", err), http.StatusBadRequest)
		return
	}

	var req MatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	sess, err := req.session()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	policy, matched, err := s.decider.Decide(r.Context(), sess)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, fmt.Sprintf("Rule evaluation failed: %v", err), status)
		return
	}

	resp := MatchResponse{Policy: policy}
	if matched != nil {
		resp.Matched = true
		resp.Rule = nameOf(matched)
		resp.Type = rules.TypeOf(matched)
	}

	if s.verbose {
		log.Info().
			Str("host", sess.Host).
			Bool("matched", resp.Matched).
			Str("policy", policy).
			Msg("explained match")
	}

	writeJSON(w, resp)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	current := s.manager.Rules()
	out := make([]RuleInfo, 0, len(current))
	for i, rl := range current {
		out = append(out, RuleInfo{
			Index:       i,
			Name:        nameOf(rl),
			Type:        rules.TypeOf(rl),
			Policy:      rules.PolicyOf(rl),
			Description: fmt.Sprint(rl),
		})
	}

	writeJSON(w, out)
}

func (req MatchRequest) session() (*session.Session, error) {
	if req.Host == "" && req.IP == "" {
		return nil, errors.New("host or ip is required")
	}

	network := req.Network
	if network == "" {
		network = session.NetworkTCP
	}

	s := session.New(network, req.Host, req.Port)
	if req.IP != "" {
		ip, err := netip.ParseAddr(req.IP)
		if err != nil {
			return nil, fmt.Errorf("invalid ip %q: %w", req.IP, err)
		}
		s.IP = ip
	}
	s.Protocol = req.Protocol
	s.Inbound = "api"
	s.Labels = req.Labels

	return s, nil
}

func nameOf(r rule.Rule) string {
	if n, ok := r.(interface{ Name() string }); ok {
		return n.Name()
	}

	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Err(err).Msg("failed to write API response")
	}
}
