package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/npezzotti/redischat/internal/store"
	"github.com/npezzotti/redischat/internal/types"
)

// Topic names the pub/sub topic carrying a channel's message events.
func Topic(channelID uint64) string {
	return fmt.Sprintf("channel:%d", channelID)
}

// MessageEvent is the wire form of a published message. User is the
// sender's display name, null for system messages.
type MessageEvent struct {
	Id        uint64  `json:"id"`
	Channel   uint64  `json:"channel"`
	User      *string `json:"user"`
	Text      string  `json:"text"`
	Timestamp int64   `json:"timestamp"`
}

type MessageRepository struct {
	m     *store.Mapper
	store *store.Store
}

func NewMessageRepository(s *store.Store, locks *store.Locker) *MessageRepository {
	return &MessageRepository{
		m:     store.NewMapper("message", s, locks),
		store: s,
	}
}

// Save persists the message and records it in the relation sets of its
// channel and, for non-system messages, its sender. No uniqueness
// index applies to messages.
func (r *MessageRepository) Save(ctx context.Context, msg *types.Message) error {
	id, err := r.m.AllocateID(ctx)
	if err != nil {
		return err
	}
	msg.Id = id

	if err := r.m.Write(ctx, id, messageFields(msg)); err != nil {
		return err
	}

	if err := r.m.AddRelation(ctx, "channel", msg.Channel, id); err != nil {
		return err
	}
	if msg.User != 0 {
		if err := r.m.AddRelation(ctx, "user", msg.User, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *MessageRepository) Delete(ctx context.Context, msg *types.Message) error {
	if err := r.m.RemoveRelation(ctx, "channel", msg.Channel, msg.Id); err != nil {
		return err
	}
	if msg.User != 0 {
		if err := r.m.RemoveRelation(ctx, "user", msg.User, msg.Id); err != nil {
			return err
		}
	}
	return r.m.Delete(ctx, msg.Id)
}

func (r *MessageRepository) GetOne(ctx context.Context, id uint64) (*types.Message, error) {
	fields, err := r.m.Read(ctx, id)
	if err != nil || fields == nil {
		return nil, err
	}
	return messageFromFields(fields)
}

// Filter supports the Channel shape: relation-set listing, one batched
// read, then ordering by timestamp. The relation set is unordered;
// ordering is applied here, at read time.
func (r *MessageRepository) Filter(ctx context.Context, q Query) ([]types.Message, error) {
	if q.Channel == 0 {
		return nil, store.ErrInvalidQuery
	}

	ids, err := r.m.Relations(ctx, "channel", q.Channel)
	if err != nil {
		return nil, err
	}

	results, err := r.m.ReadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	messages := make([]types.Message, 0, len(results))
	for _, fields := range results {
		if fields == nil {
			continue
		}
		msg, err := messageFromFields(fields)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}

	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Timestamp != messages[j].Timestamp {
			return messages[i].Timestamp < messages[j].Timestamp
		}
		return messages[i].Id < messages[j].Id
	})
	return messages, nil
}

// Publish fans the message out to every live subscriber of its
// channel's topic. Fire and forget: no acknowledgment, nothing kept
// for connections not subscribed at publish time. Call only after Save
// has durably written the record.
func (r *MessageRepository) Publish(ctx context.Context, msg *types.Message, username string) error {
	event := MessageEvent{
		Id:        msg.Id,
		Channel:   msg.Channel,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
	}
	if msg.User != 0 {
		event.User = &username
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode message event: %w", err)
	}

	return r.store.Publish(ctx, Topic(msg.Channel), payload)
}

func messageFields(msg *types.Message) map[string]string {
	fields := map[string]string{
		"id":        formatUint(msg.Id),
		"channel":   formatUint(msg.Channel),
		"text":      msg.Text,
		"timestamp": formatInt(msg.Timestamp),
	}
	if msg.User != 0 {
		fields["user"] = formatUint(msg.User)
	} else {
		fields["user"] = ""
	}
	return fields
}

func messageFromFields(fields map[string]string) (*types.Message, error) {
	id, err := fieldUint(fields, "id")
	if err != nil {
		return nil, err
	}
	channel, err := fieldUint(fields, "channel")
	if err != nil {
		return nil, err
	}
	user, err := fieldUint(fields, "user")
	if err != nil {
		return nil, err
	}
	timestamp, err := fieldInt(fields, "timestamp")
	if err != nil {
		return nil, err
	}

	return &types.Message{
		Id:        id,
		Channel:   channel,
		User:      user,
		Text:      fields["text"],
		Timestamp: timestamp,
	}, nil
}
