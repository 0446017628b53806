package reliability

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrorStore persists dead-lettered messages for offline inspection
type ErrorStore interface {
	Store(ctx context.Context, message FailedMessage) error
	Get(ctx context.Context, id string) (*FailedMessage, error)
	List(ctx context.Context, filter ErrorFilter) ([]FailedMessage, error)
	Delete(ctx context.Context, id string) error
}

// FailedMessage is a dead-lettered message together with where it died.
type FailedMessage struct {
	ID              string     `json:"id" bson:"_id"`
	MessageID       string     `json:"messageId,omitempty" bson:"messageId,omitempty"`
	Queue           string     `json:"queue" bson:"queue"`
	DeadLetterQueue string     `json:"deadLetterQueue" bson:"deadLetterQueue"`
	Exchange        string     `json:"exchange" bson:"exchange"`
	RoutingKey      string     `json:"routingKey" bson:"routingKey"`
	Reason          string     `json:"reason" bson:"reason"`
	DeathCount      int        `json:"deathCount" bson:"deathCount"`
	Headers         amqp.Table `json:"headers,omitempty" bson:"headers,omitempty"`
	Body            []byte     `json:"-" bson:"body"`
	ContentType     string     `json:"contentType,omitempty" bson:"contentType,omitempty"`
	CorrelationID   string     `json:"correlationId,omitempty" bson:"correlationId,omitempty"`
	FirstFailedAt   time.Time  `json:"firstFailedAt" bson:"firstFailedAt"`
	ArchivedAt      time.Time  `json:"archivedAt" bson:"archivedAt"`
}

// MarshalJSON renders the body as text; message bodies are JSON documents.
func (f FailedMessage) MarshalJSON() ([]byte, error) {
	type Alias FailedMessage
	return json.Marshal(&struct {
		*Alias
		Body string `json:"body"`
	}{
		Alias: (*Alias)(&f),
		Body:  string(f.Body),
	})
}

// ErrorFilter filters failed messages
type ErrorFilter struct {
	Queue      string
	Since      time.Time
	Until      time.Time
	MaxResults int
}

func (f ErrorFilter) matches(msg FailedMessage) bool {
	if f.Queue != "" && msg.Queue != f.Queue {
		return false
	}
	if !f.Since.IsZero() && msg.ArchivedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && msg.ArchivedAt.After(f.Until) {
		return false
	}
	return true
}

// InMemoryErrorStore provides a simple in-memory error store
type InMemoryErrorStore struct {
	mu       sync.RWMutex
	messages map[string]FailedMessage
}

// NewInMemoryErrorStore creates a new in-memory error store
func NewInMemoryErrorStore() *InMemoryErrorStore {
	return &InMemoryErrorStore{
		messages: make(map[string]FailedMessage),
	}
}

// Store implements ErrorStore
func (s *InMemoryErrorStore) Store(_ context.Context, message FailedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[message.ID] = message
	return nil
}

// Get implements ErrorStore
func (s *InMemoryErrorStore) Get(_ context.Context, id string) (*FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, &StoreError{Store: "memory", Op: "get", Key: id, Err: ErrMessageNotFound}
	}
	return &msg, nil
}

// List implements ErrorStore. Newest messages come first.
func (s *InMemoryErrorStore) List(_ context.Context, filter ErrorFilter) ([]FailedMessage, error) {
	s.mu.RLock()
	results := make([]FailedMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		if filter.matches(msg) {
			results = append(results, msg)
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].ArchivedAt.Equal(results[j].ArchivedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].ArchivedAt.After(results[j].ArchivedAt)
	})
	if filter.MaxResults > 0 && len(results) > filter.MaxResults {
		results = results[:filter.MaxResults]
	}
	return results, nil
}

// Delete implements ErrorStore
func (s *InMemoryErrorStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return &StoreError{Store: "memory", Op: "delete", Key: id, Err: ErrMessageNotFound}
	}
	delete(s.messages, id)
	return nil
}
