package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis"

	"github.com/edvolabs/tutorvoice/internal/capability"
	"github.com/edvolabs/tutorvoice/internal/config"
)

// Store is the external session registry: simple get/set/expire keyed by
// conversation id, used for cross-process discovery and context, never for
// intra-session coordination (that stays on the lane).
type Store struct {
	rc  *redis.Client
	ttl time.Duration
}

func NewStore(cfg config.RedisConfig, ttl time.Duration) (*Store, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Pass,
		DB:       cfg.DB,
	})
	return &Store{rc: rc, ttl: ttl}, nil
}

// NewStoreWithClient wires an existing client, mainly for tests.
func NewStoreWithClient(rc *redis.Client, ttl time.Duration) *Store {
	return &Store{rc: rc, ttl: ttl}
}

func sessionKey(convID string) string  { return "conv:session:" + convID }
func varsKey(convID string) string     { return "conv:vars:" + convID }
func messagesKey(convID string) string { return "conv:messages:" + convID }
func promptKey(convID string) string   { return "conv:prompt:" + convID }

// Authorize checks the session record exists, is active, and that the
// peer-presented token matches the one minted at session creation. Token
// issuance itself happens elsewhere (the REST surface that creates the
// conversation).
func (s *Store) Authorize(convID, token string) error {
	fields, err := s.rc.HGetAll(sessionKey(convID)).Result()
	if err != nil {
		return fmt.Errorf("session lookup: %w", err)
	}
	if len(fields) == 0 {
		return fmt.Errorf("conversation %s not found or expired", convID)
	}
	if status := fields["status"]; status != "" && status != "active" {
		return fmt.Errorf("conversation %s is not active", convID)
	}
	if want := fields["ws_token"]; want != "" && want != token {
		return fmt.Errorf("token mismatch for conversation %s", convID)
	}
	return nil
}

// Touch refreshes last-activity and the record TTL.
func (s *Store) Touch(convID string) {
	key := sessionKey(convID)
	s.rc.HSet(key, "last_active_at", time.Now().UTC().Format(time.RFC3339))
	s.rc.Expire(key, s.ttl)
}

// SetState mirrors the lane's authoritative state into the shared record,
// read-only for outside observers.
func (s *Store) SetState(convID, state string) {
	s.rc.HSet(sessionKey(convID), "state", state)
}

// ConversationType returns "solving" or "chat" (defaulting to chat).
func (s *Store) ConversationType(convID string) string {
	t, err := s.rc.HGet(sessionKey(convID), "type").Result()
	if err != nil || t == "" {
		return "chat"
	}
	return t
}

// ContextVars loads the tutoring context (student name, grade, subject,
// question context) attached to the conversation.
func (s *Store) ContextVars(convID string) map[string]string {
	vars, err := s.rc.HGetAll(varsKey(convID)).Result()
	if err != nil {
		return map[string]string{}
	}
	return vars
}

type storedMessage struct {
	Role      string `json:"role"`
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// History returns the last n text turns, oldest first.
func (s *Store) History(convID string, n int) []capability.Message {
	raw, err := s.rc.LRange(messagesKey(convID), int64(-n), -1).Result()
	if err != nil {
		return nil
	}
	history := make([]capability.Message, 0, len(raw))
	for _, item := range raw {
		var msg storedMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		if msg.Type != "" && msg.Type != "text" {
			continue
		}
		history = append(history, capability.Message{Role: msg.Role, Content: msg.Content})
	}
	return history
}

// AppendMessage records one turn in the conversation history.
func (s *Store) AppendMessage(convID, role, content string) {
	msg := storedMessage{
		Role:      role,
		Type:      "text",
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	key := messagesKey(convID)
	s.rc.RPush(key, string(raw))
	s.rc.Expire(key, s.ttl)
}

// SystemPrompt returns the cached prompt, or "" when none is cached.
func (s *Store) SystemPrompt(convID string) string {
	p, err := s.rc.Get(promptKey(convID)).Result()
	if err != nil {
		return ""
	}
	return p
}

// CacheSystemPrompt pins the rendered prompt so it stays stable for the
// life of the conversation.
func (s *Store) CacheSystemPrompt(convID, prompt string) {
	s.rc.Set(promptKey(convID), prompt, s.ttl)
}

// Delete removes all session keys once a session has idled out.
func (s *Store) Delete(convID string) {
	s.rc.Del(sessionKey(convID), varsKey(convID), messagesKey(convID), promptKey(convID))
}
