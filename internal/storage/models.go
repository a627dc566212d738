package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the requester does not own the record.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when a message position is already taken.
	ErrConflict = errors.New("position conflict")

	// ErrDuplicate is returned when a unique field (e.g. username) is already taken.
	ErrDuplicate = errors.New("duplicate")
)

type (
	UserID         string
	ConversationID string
	MessageID      string

	// QuestionHash keys the answer cache. It is never a conversation identifier.
	QuestionHash string

	DocumentID string
)

// Sender identifies who wrote a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAssistant
}

// SourceRef points back at the document passage an answer was grounded on.
type SourceRef struct {
	Source  string `json:"source"`
	Content string `json:"content"`
	Pages   string `json:"pages,omitempty"`
}

type Conversation struct {
	ID        ConversationID `json:"id"`
	OwnerID   UserID         `json:"owner_id"`
	Topic     string         `json:"topic"`
	CreatedAt time.Time      `json:"created_at"`
}

// ConversationSummary is a Conversation with its message count.
type ConversationSummary struct {
	Conversation
	MessageCount int `json:"message_count"`
}

type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Position       int            `json:"position"`
	Sender         Sender         `json:"sender"`
	Content        string         `json:"content"`
	SourceRefs     []SourceRef    `json:"source_refs,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// NewMessage is the caller-supplied part of a Message; the store assigns
// ID, Position and Timestamp.
type NewMessage struct {
	Sender     Sender
	Content    string
	SourceRefs []SourceRef
}

type CacheEntry struct {
	QuestionHash       QuestionHash `json:"question_hash"`
	NormalizedQuestion string       `json:"normalized_question"`
	Question           string       `json:"question"`
	Answer             string       `json:"answer"`
	SourceRefs         []SourceRef  `json:"source_refs,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
}

type User struct {
	ID           UserID    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Email        string    `json:"email,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Session struct {
	TokenHash string
	UserID    UserID
	ExpiresAt time.Time
	CreatedAt time.Time
}

type Document struct {
	ID         DocumentID `json:"id"`
	OwnerID    UserID     `json:"owner_id"`
	Title      string     `json:"title"`
	Source     string     `json:"source"`
	Content    string     `json:"-"`
	Pages      int        `json:"pages,omitempty"`
	ChunkCount int        `json:"chunk_count"`
	CreatedAt  time.Time  `json:"created_at"`
}

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
