package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/goyalg325/agency/agency"
	"github.com/goyalg325/agency/raft"
)

// maxBodySize bounds request bodies
const maxBodySize = 8 << 20

type route struct {
	method string
	serve  func(w http.ResponseWriter, r *http.Request)
}

// Handler serves the agency endpoints of one member
type Handler struct {
	agency *agency.Agency
	routes map[Command]route
	logger zerolog.Logger
}

// NewHandler creates the HTTP handler for a
func NewHandler(a *agency.Agency, logger zerolog.Logger) *Handler {
	h := &Handler{
		agency: a,
		logger: logger.With().Str("component", "api").Str("node", a.ID()).Logger(),
	}
	h.routes = map[Command]route{
		CommandWrite:   {http.MethodPost, h.handleWrite},
		CommandRead:    {http.MethodPost, h.handleRead},
		CommandConfig:  {http.MethodGet, h.handleConfig},
		CommandState:   {http.MethodGet, h.handleState},
		CommandMembers: {http.MethodPost, h.handleMembers},
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(BasePath, "/")), "/")
	if rest == "" {
		h.fail(w, http.StatusNotFound, "empty request")
		return
	}
	if strings.Contains(rest, "/") {
		h.fail(w, http.StatusNotFound, "too many path segments")
		return
	}
	cmd, ok := ParseCommand(rest)
	if !ok {
		h.fail(w, http.StatusNotFound, "unknown method")
		return
	}

	rt := h.routes[cmd]
	if r.Method != rt.method {
		w.Header().Set("Allow", rt.method)
		h.fail(w, http.StatusMethodNotAllowed, fmt.Sprintf("%s requires %s", cmd, rt.method))
		return
	}
	rt.serve(w, r)
}

func (h *Handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	mode, err := agency.ParseAckMode(r.Header.Get(ModeHeader))
	if err != nil {
		h.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	var batch []json.RawMessage
	if err := decodeBody(w, r, &batch); err != nil {
		h.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if batch == nil {
		h.fail(w, http.StatusBadRequest, "body must be an array of operations")
		return
	}

	res, err := h.agency.Write(r.Context(), batch, mode)
	if err != nil {
		h.failErr(w, err)
		return
	}
	if !res.Accepted {
		h.redirect(w, r, res.Redirect)
		return
	}

	h.respondIndices(w, mode, res.Indices)
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	var queries []json.RawMessage
	if err := decodeBody(w, r, &queries); err != nil {
		h.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	if queries == nil {
		h.fail(w, http.StatusBadRequest, "body must be an array of queries")
		return
	}

	res, err := h.agency.Read(r.Context(), queries)
	if err != nil {
		h.failErr(w, err)
		return
	}
	if !res.Accepted {
		h.redirect(w, r, res.Redirect)
		return
	}
	h.respond(w, http.StatusOK, ReadResponse{Results: res.Result})
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	mode, err := agency.ParseAckMode(r.Header.Get(ModeHeader))
	if err != nil {
		h.fail(w, http.StatusBadRequest, err.Error())
		return
	}
	var req MembersRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.agency.ChangeMembership(r.Context(), req.Members, mode)
	if err != nil {
		h.failErr(w, err)
		return
	}
	if !res.Accepted {
		h.redirect(w, r, res.Redirect)
		return
	}
	h.respondIndices(w, mode, res.Indices)
}

// respondIndices answers an accepted write; noWait callers get no indices
func (h *Handler) respondIndices(w http.ResponseWriter, mode agency.AckMode, indices []uint64) {
	if mode == agency.AckNoWait {
		h.respond(w, http.StatusOK, WriteResponse{})
		return
	}
	h.respond(w, http.StatusOK, WriteResponse{Results: indices})
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.agency.Config()
	h.respond(w, http.StatusOK, ConfigResponse{
		Term:          cfg.Term,
		LeaderID:      cfg.LeaderID,
		Configuration: cfg,
	})
}

func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	entries := h.agency.State()
	out := make([]StateEntry, 0, len(entries))
	for _, e := range entries {
		query := e.Payload
		if len(query) == 0 {
			query = json.RawMessage("null")
		}
		out = append(out, StateEntry{Index: e.Index, Term: e.Term, Leader: e.LeaderID, Query: query})
	}
	h.respond(w, http.StatusOK, out)
}

// redirect points the client at the leader, or reports unavailability
// when no usable leader is known
func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, leader string) {
	if leader == "" {
		h.fail(w, http.StatusServiceUnavailable, "no leader")
		return
	}
	if leader == h.agency.ID() {
		h.fail(w, http.StatusServiceUnavailable, "leader has not committed an entry in its term yet")
		return
	}
	endpoint, ok := h.agency.Config().Endpoint(leader)
	if !ok {
		h.fail(w, http.StatusServiceUnavailable, fmt.Sprintf("leader %s has no known endpoint", leader))
		return
	}

	w.Header().Set("Location", "http://"+endpoint+r.URL.Path)
	h.respond(w, http.StatusTemporaryRedirect, struct{}{})
}

// failErr maps facade errors to status codes
func (h *Handler) failErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agency.ErrProtocol):
		h.fail(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, raft.ErrStorage):
		h.fail(w, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, raft.ErrCommitTimeout):
		h.fail(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrStopped):
		h.fail(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error().Err(err).Msg("request failed")
		h.fail(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) fail(w http.ResponseWriter, status int, msg string) {
	h.respond(w, status, errorResponse{Error: true, Code: status, Message: msg})
}

func (h *Handler) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug().Err(err).Msg("write response")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed body: %w", err)
	}
	return nil
}
