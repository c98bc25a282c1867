package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/chatrooms/internal/auth"
	"github.com/npezzotti/chatrooms/internal/database"
	"github.com/npezzotti/chatrooms/internal/server"
	"github.com/npezzotti/chatrooms/internal/types"
)

const maxRequestBody = 1 << 20

var validate = validator.New()

type CreateRoomRequest struct {
	Name      string `json:"name" validate:"required,min=1,max=64"`
	IsPrivate bool   `json:"is_private"`
	Password  string `json:"password" validate:"required_if=IsPrivate true,max=72"`
}

type JoinRoomRequest struct {
	Password string `json:"password" validate:"required"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("json encode", "error", err)
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, apiErr *ApiError) {
	if apiErr.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed", "status", apiErr.StatusCode, "error", apiErr)
	}

	s.writeJson(w, apiErr.StatusCode, apiErr)
}

// readJson decodes and validates a JSON request body.
func (s *GoChatApp) readJson(r *http.Request, v any) *ApiError {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return NewBadRequestError()
	}

	if err := validate.Struct(v); err != nil {
		return NewValidationError(err)
	}

	return nil
}

func roomIdFromPath(r *http.Request) (int, *ApiError) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		return 0, NewBadRequestError()
	}

	return id, nil
}

func queryInt(r *http.Request, key string) (int, *ApiError) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, NewBadRequestError()
	}

	return n, nil
}

func mustIdentity(r *http.Request) types.Identity {
	identity, ok := Identity(r.Context())
	if !ok {
		panic("handler mounted without auth middleware")
	}

	return identity
}

func toUser(u database.User) types.User {
	user := types.User{
		Id:        u.Id,
		Username:  u.Username,
		IsOnline:  u.IsOnline,
		CreatedAt: u.CreatedAt,
	}
	if u.LastLogin.Valid {
		user.LastLogin = &u.LastLogin.Time
	}

	return user
}

func toRoom(r database.Room) types.Room {
	return types.Room{
		Id:        r.Id,
		Name:      r.Name,
		IsPrivate: r.IsPrivate,
		OwnerId:   r.OwnerId,
		CreatedAt: r.CreatedAt,
	}
}

func toRooms(rooms []database.Room) []types.Room {
	out := make([]types.Room, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, toRoom(r))
	}

	return out
}

func toMessage(m database.Message) types.Message {
	return types.Message{
		Id:          m.Id,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		UserId:      m.UserId,
		RoomId:      m.RoomId,
		MessageType: types.MessageType(m.MessageType),
		Image:       m.Image,
	}
}

// notifyRoom pushes a persisted system message to the room's live sessions.
// The HTTP action already succeeded, so a failure here is only logged.
func (s *GoChatApp) notifyRoom(ctx context.Context, msg database.Message) {
	if err := s.cs.NotifyRoomEvent(ctx, msg.RoomId, toMessage(msg)); err != nil {
		s.log.Warn("failed to notify room", "room_id", msg.RoomId, "message_id", msg.Id, "error", err)
	}
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.log.Error("health check failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) session(w http.ResponseWriter, r *http.Request) {
	identity := mustIdentity(r)

	user, err := s.db.GetUserById(r.Context(), identity.UserId)
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	s.writeJson(w, http.StatusOK, toUser(user))
}

func (s *GoChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	identity := mustIdentity(r)

	joined, err := s.db.ListJoinedRooms(r.Context(), identity.UserId)
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	available, err := s.db.ListAvailableRooms(r.Context(), identity.UserId)
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	s.writeJson(w, http.StatusOK, types.RoomList{
		JoinedRooms:    toRooms(joined),
		AvailableRooms: toRooms(available),
	})
}

func (s *GoChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	identity := mustIdentity(r)
	roomId, apiErr := roomIdFromPath(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	room, err := s.db.GetRoomById(r.Context(), roomId)
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	if room.IsPrivate {
		isMember, err := s.db.IsMember(r.Context(), identity.UserId, roomId)
		if err != nil {
			s.writeError(w, errorFromStore(err))
			return
		}
		if !isMember {
			s.writeError(w, NewForbiddenError())
			return
		}
	}

	members, err := s.db.GetRoomMembers(r.Context(), roomId)
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	users := make([]types.RoomMember, 0, len(members))
	for _, m := range members {
		member := types.RoomMember{
			User: types.User{
				Id:        m.UserId,
				Username:  m.Username,
				IsOnline:  m.IsOnline,
				CreatedAt: m.CreatedAt,
			},
			IsOwner: m.UserId == room.OwnerId,
		}
		if m.LastLogin.Valid {
			member.LastLogin = &m.LastLogin.Time
		}
		users = append(users, member)
	}

	s.writeJson(w, http.StatusOK, types.RoomDetails{
		Room:  toRoom(room),
		Users: users,
	})
}

func (s *GoChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	identity := mustIdentity(r)

	var req CreateRoomRequest
	if apiErr := s.readJson(r, &req); apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	params := database.CreateRoomParams{
		Name:          req.Name,
		OwnerId:       identity.UserId,
		IsPrivate:     req.IsPrivate,
		SystemContent: fmt.Sprintf("%s created group %s", identity.Username, req.Name),
	}

	if req.IsPrivate {
		pwdHash, err := auth.HashPassword(req.Password)
		if err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
		params.PasswordHash = pwdHash
	}

	room, created, err := s.db.CreateRoom(r.Context(), params)
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	s.log.Info("room created", "room_id", room.Id, "user_id", identity.UserId)
	s.notifyRoom(r.Context(), created)
	s.writeJson(w, http.StatusCreated, toRoom(room))
}

func (s *GoChatApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	identity := mustIdentity(r)
	roomId, apiErr := roomIdFromPath(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	room, err := s.db.GetRoomById(r.Context(), roomId)
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	if room.IsPrivate {
		var req JoinRoomRequest
		if apiErr := s.readJson(r, &req); apiErr != nil {
			s.writeError(w, apiErr)
			return
		}
		if !auth.VerifyPassword(room.PasswordHash, req.Password) {
			s.writeError(w, NewForbiddenError())
			return
		}
	}

	joined, err := s.db.JoinRoom(r.Context(), identity.UserId, roomId,
		fmt.Sprintf("%s joined group %s", identity.Username, room.Name))
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	s.log.Info("user joined room", "room_id", roomId, "user_id", identity.UserId)
	s.notifyRoom(r.Context(), joined)
	s.writeJson(w, http.StatusOK, toRoom(room))
}

func (s *GoChatApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	identity := mustIdentity(r)
	roomId, apiErr := roomIdFromPath(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	room, err := s.db.GetRoomById(r.Context(), roomId)
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	// owners delete their rooms instead of leaving them
	if room.OwnerId == identity.UserId {
		s.writeError(w, NewForbiddenError())
		return
	}

	left, err := s.db.LeaveRoom(r.Context(), identity.UserId, roomId,
		fmt.Sprintf("%s left group %s", identity.Username, room.Name))
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	s.log.Info("user left room", "room_id", roomId, "user_id", identity.UserId)
	s.notifyRoom(r.Context(), left)
	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	identity := mustIdentity(r)
	roomId, apiErr := roomIdFromPath(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	room, err := s.db.GetRoomById(r.Context(), roomId)
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	if room.OwnerId != identity.UserId {
		s.writeError(w, NewForbiddenError())
		return
	}

	if err := s.db.DeleteRoom(r.Context(), roomId); err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	if err := s.cs.EvictRoom(r.Context(), roomId); err != nil {
		s.log.Warn("failed to evict deleted room", "room_id", roomId, "error", err)
	}

	s.log.Info("room deleted", "room_id", roomId, "user_id", identity.UserId)
	w.WriteHeader(http.StatusNoContent)
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	identity := mustIdentity(r)
	roomId, apiErr := roomIdFromPath(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	before, apiErr := queryInt(r, "before")
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	limit, apiErr := queryInt(r, "limit")
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	isMember, err := s.db.IsMember(r.Context(), identity.UserId, roomId)
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}
	if !isMember {
		s.writeError(w, NewForbiddenError())
		return
	}

	messages, err := s.db.GetMessages(r.Context(), roomId, before, limit)
	if err != nil {
		s.writeError(w, errorFromStore(err))
		return
	}

	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, toMessage(m))
	}

	s.writeJson(w, http.StatusOK, out)
}

func (s *GoChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

// serveWs authenticates the handshake and hands the connection to the chat
// server. Authentication failures are answered before the upgrade.
func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenFromRequest(r)
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	identity, err := s.cs.Authenticate(token)
	if err != nil {
		if !isAuthError(err) {
			s.writeError(w, NewInternalServerError(err))
			return
		}
		s.log.Debug("rejected websocket handshake", "error", err)
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading connection", "error", err)
		return
	}

	client, err := s.cs.Connect(identity, conn)
	if err != nil {
		closeCode := websocket.CloseInternalServerErr
		if errors.Is(err, server.ErrServerClosed) {
			closeCode = websocket.CloseGoingAway
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, err.Error()))
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
