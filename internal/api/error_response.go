package api

import (
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/modelrelay/modelrelay/internal/chain"
	gwerrors "github.com/modelrelay/modelrelay/pkg/errors"
)

// errorBody is the error envelope returned by the relay itself, as opposed
// to errors passed through from an upstream. The decision context explains
// which providers were excluded and why, so clients and the audit timeline
// can distinguish throttling from outage.
type errorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	DecisionContext *chain.DecisionContext `json:"decisionContext,omitempty"`
}

func writeError(w http.ResponseWriter, err *gwerrors.GatewayError, decision *chain.DecisionContext) {
	var body errorBody
	body.Type = "error"
	body.Error.Type = err.Code
	body.Error.Message = err.Message
	if decision != nil && len(decision.FilteredProviders) > 0 {
		body.DecisionContext = decision
	}

	w.Header().Set("Content-Type", "application/json")
	if err.Code == gwerrors.CodeRateLimitExceeded {
		w.Header().Set("Retry-After", "60")
	}
	w.WriteHeader(err.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(body)
}
