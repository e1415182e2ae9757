package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"connectrpc.com/connect"
	"github.com/gorilla/mux"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/default/service"
	"github.com/antinvestor/service-realtime/apps/default/service/business"
	"github.com/antinvestor/service-realtime/apps/default/service/gateway"
	"github.com/antinvestor/service-realtime/apps/default/service/models"
	"github.com/antinvestor/service-realtime/internal"
)

const (
	// maxRequestBody bounds REST request bodies.
	maxRequestBody = 1 << 20

	pathConversationID = "id"
	pathUserID         = "userId"
)

// ChatServer exposes the messaging core over REST and upgrades /ws requests into realtime connections.
type ChatServer struct {
	chat          business.ChatBusiness
	auth          gateway.Authenticator
	connections   gateway.ConnectionManager
	maxFrameBytes int64
}

// NewChatServer wires the HTTP surface. connections may be nil when only REST is served.
func NewChatServer(
	chat business.ChatBusiness,
	auth gateway.Authenticator,
	connections gateway.ConnectionManager,
	maxFrameBytes int64,
) *ChatServer {
	return &ChatServer{
		chat:          chat,
		auth:          auth,
		connections:   connections,
		maxFrameBytes: maxFrameBytes,
	}
}

// Routes registers every endpoint on r.
func (cs *ChatServer) Routes(r *mux.Router) {
	r.Use(RecoveryMiddleware, LoggingMiddleware)

	if cs.connections != nil {
		r.HandleFunc("/ws", cs.Connect).Methods(http.MethodGet)
	}

	api := r.NewRoute().Subrouter()
	api.Use(cs.AuthMiddleware)

	api.HandleFunc("/conversations", cs.CreateConversation).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}", cs.GetConversation).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/participants", cs.AddParticipant).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/participants/{userId}", cs.RemoveParticipant).Methods(http.MethodDelete)
	api.HandleFunc("/conversations/{id}/messages", cs.PostMessage).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/messages", cs.FetchHistory).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/ack", cs.Acknowledge).Methods(http.MethodPost)
	api.HandleFunc("/conversations/{id}/ack", cs.ReadMarker).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{id}/prune", cs.PruneHistory).Methods(http.MethodPost)
	api.HandleFunc("/presence", cs.Presence).Methods(http.MethodGet)
}

// Router returns a fresh router carrying every endpoint.
func (cs *ChatServer) Router() *mux.Router {
	r := mux.NewRouter()
	cs.Routes(r)
	return r
}

type createConversationRequest struct {
	Title        string   `json:"title"`
	Participants []string `json:"participants"`
}

type addParticipantRequest struct {
	UserID string `json:"userId"`
}

type acknowledgeRequest struct {
	UpToSequence int64 `json:"upToSequence"`
}

type pruneRequest struct {
	ThroughSequence int64 `json:"throughSequence"`
}

type pruneResponse struct {
	Removed int64 `json:"removed"`
}

type historyResponse struct {
	Messages []*models.Message `json:"messages"`
	// NextAfter is the cursor for the following page, zero when the page was short.
	NextAfter int64 `json:"nextAfter,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Existing carries the original message when a post was a duplicate.
	Existing *models.Message `json:"existing,omitempty"`
}

func (cs *ChatServer) CreateConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := internal.AuthenticatedUser(ctx)

	var req createConversationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(ctx, w, err)
		return
	}

	detail, err := cs.chat.CreateConversation(ctx, userID, req.Title, req.Participants)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusCreated, detail)
}

func (cs *ChatServer) GetConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := internal.AuthenticatedUser(ctx)

	detail, err := cs.chat.GetConversation(ctx, mux.Vars(r)[pathConversationID], userID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, detail)
}

func (cs *ChatServer) AddParticipant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, _ := internal.AuthenticatedUser(ctx)

	var req addParticipantRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(ctx, w, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(ctx, w, service.ValidationError("userId is required"))
		return
	}

	if err := cs.chat.AddParticipant(ctx, mux.Vars(r)[pathConversationID], actorID, req.UserID); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (cs *ChatServer) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actorID, _ := internal.AuthenticatedUser(ctx)
	vars := mux.Vars(r)

	if err := cs.chat.RemoveParticipant(ctx, vars[pathConversationID], actorID, vars[pathUserID]); err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PostMessage commits a message. The Idempotency-Key header takes precedence over
// the key in the body; a repeated key answers 409 with the original message.
func (cs *ChatServer) PostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	senderID, _ := internal.AuthenticatedUser(ctx)

	var payload models.PostPayload
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(ctx, w, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get(internal.HeaderIdempotencyKey))
	if key == "" {
		key = payload.IdempotencyKey
	}

	message, err := cs.chat.PostMessage(ctx, &business.PostMessageRequest{
		ConversationID: mux.Vars(r)[pathConversationID],
		SenderID:       senderID,
		Body:           payload.Body,
		MediaRefs:      payload.MediaRefs,
		IdempotencyKey: key,
	})
	switch {
	case errors.Is(err, service.ErrDuplicatePost):
		writeJSON(ctx, w, http.StatusConflict, errorResponse{
			Code:     connect.CodeAlreadyExists.String(),
			Message:  "message was already posted",
			Existing: message,
		})
	case err != nil:
		writeError(ctx, w, err)
	default:
		writeJSON(ctx, w, http.StatusOK, message)
	}
}

func (cs *ChatServer) FetchHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := internal.AuthenticatedUser(ctx)

	query := r.URL.Query()
	after, err := queryInt(query.Get("after"))
	if err != nil {
		writeError(ctx, w, service.ValidationError("after must be an integer"))
		return
	}
	limit, err := queryInt(query.Get("limit"))
	if err != nil {
		writeError(ctx, w, service.ValidationError("limit must be an integer"))
		return
	}

	messages, err := cs.chat.FetchHistory(ctx, mux.Vars(r)[pathConversationID], userID, after, int(limit))
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	resp := historyResponse{Messages: messages}
	if len(messages) > 0 && len(messages) == cs.chat.HistoryPageSize(int(limit)) {
		resp.NextAfter = messages[len(messages)-1].Sequence
	}
	writeJSON(ctx, w, http.StatusOK, resp)
}

func (cs *ChatServer) Acknowledge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := internal.AuthenticatedUser(ctx)
	conversationID := mux.Vars(r)[pathConversationID]

	var req acknowledgeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(ctx, w, err)
		return
	}

	stored, err := cs.chat.Acknowledge(ctx, conversationID, userID, req.UpToSequence)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, models.AckPayload{ConversationID: conversationID, UpToSequence: stored})
}

func (cs *ChatServer) ReadMarker(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := internal.AuthenticatedUser(ctx)
	conversationID := mux.Vars(r)[pathConversationID]

	stored, err := cs.chat.ReadMarker(ctx, conversationID, userID)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, models.AckPayload{ConversationID: conversationID, UpToSequence: stored})
}

func (cs *ChatServer) PruneHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := internal.AuthenticatedUser(ctx)

	var req pruneRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(ctx, w, err)
		return
	}

	removed, err := cs.chat.PruneHistory(ctx, mux.Vars(r)[pathConversationID], userID, req.ThroughSequence)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(ctx, w, http.StatusOK, pruneResponse{Removed: removed})
}

// Presence answers GET /presence?users=a,b with the online state of each user.
func (cs *ChatServer) Presence(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var userIDs []string
	for _, raw := range r.URL.Query()["users"] {
		for id := range strings.SplitSeq(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				userIDs = append(userIDs, id)
			}
		}
	}
	if len(userIDs) == 0 {
		writeError(ctx, w, service.ValidationError("users is required"))
		return
	}

	writeJSON(ctx, w, http.StatusOK, models.PresenceSnapshot{Users: cs.chat.PresenceOf(ctx, userIDs)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(target); err != nil {
		return service.ValidationError("invalid request body: %v", err)
	}
	return nil
}

func queryInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Log(ctx).WithError(err).Debug("could not write response body")
	}
}

// writeError answers with the status mapped from err. Internal failures are logged
// and hidden behind a generic message.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := service.HTTPStatus(err)
	resp := errorResponse{Code: connect.CodeOf(err).String()}

	var connectErr *connect.Error
	if status == http.StatusInternalServerError || !errors.As(err, &connectErr) {
		util.Log(ctx).WithError(err).Error("internal server error")
		resp.Code = connect.CodeInternal.String()
		resp.Message = "internal server error"
	} else {
		resp.Message = connectErr.Message()
	}

	writeJSON(ctx, w, status, resp)
}
