package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/npezzotti/redischat/internal/repository"
	"github.com/npezzotti/redischat/internal/server"
	"github.com/npezzotti/redischat/internal/store"
	"github.com/npezzotti/redischat/internal/types"
)

type JoinChannelRequest struct {
	Name string `json:"name"`
}

type JoinChannelResponse struct {
	Channel       types.Channel `json:"channel"`
	AlreadyJoined bool          `json:"already_joined"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatApp) getChannels(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	members, err := s.repos.Members.Filter(r.Context(), repository.Query{User: user.Id})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	ids := make([]uint64, 0, len(members))
	for _, cm := range members {
		ids = append(ids, cm.Channel)
	}

	channels, err := s.repos.Channels.GetMany(r.Context(), ids)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, channels)
}

// joinChannel joins the current user to a channel by name, creating
// the channel first if no one has used the name yet. Joining stores
// and publishes a system message announcing the new member.
func (s *ChatApp) joinChannel(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req JoinChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channel, err := s.repos.Channels.Filter(r.Context(), repository.Query{Name: req.Name})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if channel == nil {
		channel = &types.Channel{Name: req.Name}
		err := s.repos.Channels.Save(r.Context(), channel)
		if errors.Is(err, store.ErrAlreadyExists) || errors.Is(err, store.ErrContention) {
			// lost the create race; the winner's channel serves
			channel, err = s.repos.Channels.Filter(r.Context(), repository.Query{Name: req.Name})
			if err == nil && channel == nil {
				err = errors.New("channel vanished after create race")
			}
		}
		if err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	members, err := s.repos.Members.Filter(r.Context(), repository.Query{
		Channel: channel.Id,
		User:    user.Id,
	})
	if err != nil {
		errResp := s.saveError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	alreadyJoined := len(members) > 0
	if !alreadyJoined {
		cm := &types.ChannelMember{
			Channel:    channel.Id,
			User:       user.Id,
			Admin:      true,
			Subscribed: time.Now().Unix(),
		}
		if err := s.repos.Members.Save(r.Context(), cm); err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if err := s.systemMessage(r, channel.Id, user.Name+" has subscribed to the channel"); err != nil {
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	s.writeJson(w, http.StatusOK, JoinChannelResponse{
		Channel:       *channel,
		AlreadyJoined: alreadyJoined,
	})
}

func (s *ChatApp) leaveChannel(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channelID, err := channelParam(r)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channel, err := s.repos.Channels.GetOne(r.Context(), channelID)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if channel == nil {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	members, err := s.repos.Members.Filter(r.Context(), repository.Query{
		Channel: channel.Id,
		User:    user.Id,
	})
	if err != nil {
		errResp := s.saveError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if len(members) == 0 {
		errResp := NewNotFoundError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.repos.Members.Delete(r.Context(), &members[0]); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	if err := s.systemMessage(r, channel.Id, user.Name+" has unsubscribed from the channel"); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, nil)
}

// systemMessage stores and publishes an unsigned message on a channel.
func (s *ChatApp) systemMessage(r *http.Request, channelID uint64, text string) error {
	msg := &types.Message{
		Channel:   channelID,
		Text:      text,
		Timestamp: time.Now().Unix(),
	}
	if err := s.repos.Messages.Save(r.Context(), msg); err != nil {
		return err
	}
	return s.repos.Messages.Publish(r.Context(), msg, "")
}

func (s *ChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channelID, err := channelParam(r)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	members, err := s.repos.Members.Filter(r.Context(), repository.Query{
		Channel: channelID,
		User:    user.Id,
	})
	if err != nil {
		errResp := s.saveError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}
	if len(members) == 0 {
		errResp := NewForbiddenError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	messages, err := s.repos.Messages.Filter(r.Context(), repository.Query{Channel: channelID})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	events, err := s.resolveSenders(r, channelID, messages)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, events)
}

// resolveSenders maps messages to their wire form, resolving sender
// ids to display names with a single batched read.
func (s *ChatApp) resolveSenders(r *http.Request, channelID uint64, messages []types.Message) ([]repository.MessageEvent, error) {
	var userIDs []uint64
	for _, msg := range messages {
		if msg.User != 0 && !slices.Contains(userIDs, msg.User) {
			userIDs = append(userIDs, msg.User)
		}
	}

	users, err := s.repos.Users.GetMany(r.Context(), userIDs)
	if err != nil {
		return nil, err
	}

	names := make(map[uint64]string, len(users))
	for _, u := range users {
		names[u.Id] = u.Name
	}

	events := make([]repository.MessageEvent, 0, len(messages))
	for _, msg := range messages {
		event := repository.MessageEvent{
			Id:        msg.Id,
			Channel:   channelID,
			Text:      msg.Text,
			Timestamp: msg.Timestamp,
		}
		if name, ok := names[msg.User]; ok && msg.User != 0 {
			n := name
			event.User = &n
		}
		events = append(events, event)
	}
	return events, nil
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	user, ok := CurrentUser(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	channelID, err := channelParam(r)
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(*user, conn, s.cs, s.log)
	if err := client.Subscribe(r.Context(), channelID); err != nil {
		s.log.Printf("subscribe user %d to channel %d: %v", user.Id, channelID, err)
		return
	}

	go client.Write()
	go client.Read()
}

func channelParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(r.URL.Query().Get("channel"), 10, 64)
}
