package api

import (
	"encoding/json"
	"net/http"

	"github.com/semgate/semgate/pkg/cube"
	serrors "github.com/semgate/semgate/pkg/errors"
	"github.com/semgate/semgate/pkg/mcpserver"
	"github.com/semgate/semgate/pkg/policy"
	"github.com/semgate/semgate/pkg/tenant"
)

// queryRequest is the body of the pipeline-level entry points. The query
// itself goes through the same strict key validation as MCP tool calls.
type queryRequest struct {
	DatabaseID string          `json:"database_id"`
	Query      json.RawMessage `json:"query" validate:"required"`
}

// resolveQuery parses the request and resolves the target handler,
// defaulting to the deployment-default database.
func (s *Server) resolveQuery(r *http.Request) (*mcpserver.Handler, *cube.Query, error) {
	var req queryRequest
	if err := decodeStrict(r, &req); err != nil {
		return nil, nil, err
	}

	tenantID := tenant.TenantID(r.Context())
	databaseID := req.DatabaseID
	if databaseID == "" {
		var err error
		databaseID, err = s.hub.DefaultDatabaseID(r.Context(), tenantID)
		if err != nil {
			return nil, nil, err
		}
	}

	h, err := s.hub.HandlerFor(r.Context(), databaseID, tenantID)
	if err != nil {
		return nil, nil, err
	}
	q, err := policy.ParseQuery(req.Query)
	if err != nil {
		return nil, nil, err
	}
	return h, q, nil
}

// queryVerdictCodes are the governance rejections the validate endpoint
// reports inside its 200 contract rather than as transport errors.
var queryVerdictCodes = map[string]bool{
	serrors.CodeMissingLimit:         true,
	serrors.CodeLimitTooHigh:         true,
	serrors.CodeQueryKeyNotAllowed:   true,
	serrors.CodeUnknownMember:        true,
	serrors.CodeMemberNotExposed:     true,
	serrors.CodePIIMemberBlocked:     true,
	serrors.CodeGroupByNotAllowed:    true,
	serrors.CodeMissingTimeDimension: true,
}

// handleQueryValidate runs governance checks and previews normalization
// without touching the cube engine's data path. A query that fails
// governance is a successful validation with valid=false; only malformed
// bodies and unresolvable databases are transport errors. The body is
// either the bare query object or the {database_id, query} wrapper the
// other pipeline entry points use.
func (s *Server) handleQueryValidate(w http.ResponseWriter, r *http.Request) {
	databaseID, rawQuery, err := decodeValidateBody(r)
	if err != nil {
		writeError(w, err)
		return
	}

	tenantID := tenant.TenantID(r.Context())
	if databaseID == "" {
		databaseID, err = s.hub.DefaultDatabaseID(r.Context(), tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	h, err := s.hub.HandlerFor(r.Context(), databaseID, tenantID)
	if err != nil {
		writeError(w, err)
		return
	}

	q, err := policy.ParseQuery(rawQuery)
	if err != nil {
		writeVerdict(w, err)
		return
	}
	normalized, notes, err := h.Pipeline().Validate(r.Context(), q)
	if err != nil {
		writeVerdict(w, err)
		return
	}
	if notes == nil {
		notes = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":            true,
		"normalized_query": normalized,
		"notes":            notes,
	})
}

// writeVerdict renders a governance rejection as a negative validation
// verdict; anything outside the governance taxonomy stays an error.
func writeVerdict(w http.ResponseWriter, err error) {
	se := serrors.As(err)
	if !queryVerdictCodes[se.Code] {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  false,
		"errors": []string{se.Message},
	})
}

// decodeValidateBody splits the validate request into its target
// database and raw query, accepting both body shapes.
func decodeValidateBody(r *http.Request) (string, json.RawMessage, error) {
	var body map[string]json.RawMessage
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		return "", nil, serrors.Wrap(serrors.CodeValidation, "invalid JSON body", err)
	}
	if dec.More() {
		return "", nil, serrors.New(serrors.CodeValidation, "request body must be a single JSON object")
	}

	rawQuery, wrapped := body["query"]
	if !wrapped {
		// The body is the query itself; unknown keys are the query
		// parser's to reject.
		raw, err := json.Marshal(body)
		if err != nil {
			return "", nil, serrors.Wrap(serrors.CodeValidation, "invalid JSON body", err)
		}
		return "", raw, nil
	}

	for k := range body {
		if k != "query" && k != "database_id" {
			return "", nil, serrors.Newf(serrors.CodeValidation, "unknown key %q", k)
		}
	}
	var databaseID string
	if rawID, ok := body["database_id"]; ok {
		if err := json.Unmarshal(rawID, &databaseID); err != nil {
			return "", nil, serrors.Wrap(serrors.CodeValidation, "database_id must be a string", err)
		}
	}
	return databaseID, rawQuery, nil
}

// handleQuerySQL compiles the governed query to SQL without executing it.
func (s *Server) handleQuerySQL(w http.ResponseWriter, r *http.Request) {
	h, q, err := s.resolveQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sqlText, normalized, err := h.Pipeline().CompileSQL(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sql":              sqlText,
		"normalized_query": normalized,
	})
}

// handleQueryExecute runs the full pipeline.
func (s *Server) handleQueryExecute(w http.ResponseWriter, r *http.Request) {
	h, q, err := s.resolveQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := h.Pipeline().Execute(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
