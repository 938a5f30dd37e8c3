package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/croshq/meetpoint/internal/domain"
)

const (
	rosterField = "participant"
	// casAttempts bounds the optimistic-transaction retries when
	// concurrent joins touch the same roster key.
	casAttempts = 8
)

// RedisStore keeps one roster per meeting in the hash
// meeting:{id}:participants, field "participant", as a JSON-encoded list.
// Roster updates run under WATCH so a concurrent read-modify-write cannot
// lose a participant.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, opt *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func rosterKey(meetingID domain.MeetingID) string {
	return fmt.Sprintf("meeting:%s:participants", meetingID)
}

func actionsKey(meetingID domain.MeetingID) string {
	return fmt.Sprintf("meeting:%s:actions", meetingID)
}

func chatsKey(meetingID domain.MeetingID) string {
	return fmt.Sprintf("meeting:%s:chats", meetingID)
}

func (s *RedisStore) Add(ctx context.Context, p domain.Participant) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.update(ctx, p.MeetingID, func(roster []domain.Participant) ([]domain.Participant, bool) {
		return merge(roster, p)
	})
}

func (s *RedisStore) Remove(ctx context.Context, meetingID domain.MeetingID, email string) error {
	return s.update(ctx, meetingID, func(roster []domain.Participant) ([]domain.Participant, bool) {
		return drop(roster, email)
	})
}

// update applies fn to the stored roster under an optimistic transaction.
// An empty result deletes the key so abandoned meetings do not accumulate.
func (s *RedisStore) update(ctx context.Context, meetingID domain.MeetingID, fn func([]domain.Participant) ([]domain.Participant, bool)) error {
	key := rosterKey(meetingID)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, rosterField).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		var roster []domain.Participant
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &roster); err != nil {
				log.Warn().Err(err).Str("module", "registry.redis").Str("key", key).Msg("corrupt roster, resetting")
				roster = nil
			}
		}
		next, changed := fn(roster)
		if !changed {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(next) == 0 {
				pipe.Del(ctx, key)
				return nil
			}
			data, err := json.Marshal(next)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, key, rosterField, data)
			return nil
		})
		return err
	}

	for i := 0; i < casAttempts; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func (s *RedisStore) List(ctx context.Context, meetingID domain.MeetingID) ([]domain.Participant, error) {
	raw, err := s.client.HGet(ctx, rosterKey(meetingID), rosterField).Result()
	if errors.Is(err, redis.Nil) {
		return []domain.Participant{}, nil
	}
	if err != nil {
		return nil, err
	}
	var roster []domain.Participant
	if err := json.Unmarshal([]byte(raw), &roster); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	return roster, nil
}

func (s *RedisStore) AppendAction(ctx context.Context, meetingID domain.MeetingID, action domain.ParticipantAction) error {
	data, err := json.Marshal(action)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, actionsKey(meetingID), data).Err()
}

func (s *RedisStore) Actions(ctx context.Context, meetingID domain.MeetingID) ([]domain.ParticipantAction, error) {
	raws, err := s.client.LRange(ctx, actionsKey(meetingID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ParticipantAction, 0, len(raws))
	for _, raw := range raws {
		var a domain.ParticipantAction
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *RedisStore) AppendChat(ctx context.Context, meetingID domain.MeetingID, msg domain.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, chatsKey(meetingID), data).Err()
}

// Chats returns the meeting's chat log oldest first. LPUSH stores newest
// first, so the range is reversed on the way out.
func (s *RedisStore) Chats(ctx context.Context, meetingID domain.MeetingID) ([]domain.ChatMessage, error) {
	raws, err := s.client.LRange(ctx, chatsKey(meetingID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ChatMessage, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var m domain.ChatMessage
		if err := json.Unmarshal([]byte(raws[i]), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
