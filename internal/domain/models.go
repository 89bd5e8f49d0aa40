// Package domain defines the persistence models for users, sessions, and
// messages. These types are mapped with GORM and form the core data layer
// of the RAG chat backend.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Admin access states a user account can be in. Only StateApproved grants
// use of the process-wide admin provider keys.
const (
	StateNone     = "none"
	StatePending  = "pending"
	StateApproved = "approved"
	StateDenied   = "denied"
	StateRevoked  = "revoked"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// User represents a platform account together with its provider settings.
// Provider API keys are stored encrypted as "iv(hex):cipher(hex)" pairs and
// are only ever decrypted transiently by the credential resolver.
//
// Fields:
//   - ID: stable user identifier (primary key).
//   - GeminiKey / GroqKey: encrypted personal provider keys (may be empty).
//   - OllamaEndpoint: base URL of a user-operated Ollama server.
//   - AdminAccessState: one of the State* constants above.
//   - PreferredProvider: fallback provider when the requested one resolves to nothing.
//   - UseOwnKeys: personal keys take precedence over admin keys when set.
type User struct {
	ID                string    `json:"id"                 gorm:"type:varchar(64);primaryKey"`
	GeminiKey         string    `json:"-"                  gorm:"type:text"`
	GroqKey           string    `json:"-"                  gorm:"type:text"`
	OllamaEndpoint    string    `json:"ollama_endpoint"    gorm:"type:varchar(255)"`
	AdminAccessState  string    `json:"admin_access_state" gorm:"type:varchar(16);not null;default:'none'"`
	PreferredProvider string    `json:"preferred_provider" gorm:"type:varchar(32);not null;default:'gemini'"`
	UseOwnKeys        bool      `json:"use_own_keys"       gorm:"not null;default:false"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Session represents a conversation owned by exactly one user. The session ID
// is supplied by the client and globally unique; ownership is enforced on
// every read and write.
type Session struct {
	ID           string    `json:"session_id"    gorm:"type:varchar(64);primaryKey"`
	UserID       string    `json:"user_id"       gorm:"type:varchar(64);not null;index:idx_user_sessions"`
	Title        string    `json:"title"         gorm:"type:varchar(255);not null;default:'New chat'"`
	SystemPrompt string    `json:"system_prompt" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"    gorm:"index"`
}

// TableName returns the database table name for Session.
func (Session) TableName() string { return "sessions" }

// Message is a single utterance within a session. Messages are append-only:
// the store replaces the whole array wholesale but never mutates individual
// rows in place. Seq preserves append order for readers.
type Message struct {
	ID         string     `json:"id"         gorm:"type:char(36);primaryKey"`
	SessionID  string     `json:"session_id" gorm:"type:varchar(64);not null;index:idx_session_msgs,priority:1"`
	Seq        int        `json:"seq"        gorm:"not null;index:idx_session_msgs,priority:2"`
	Role       string     `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Parts      Parts      `json:"parts"      gorm:"type:text;not null"`
	References References `json:"references,omitempty" gorm:"type:text"`
	Timestamp  time.Time  `json:"timestamp"  gorm:"not null"`

	// Session is the parent conversation. Messages are cascade-deleted
	// if their session is removed.
	Session Session `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Reference describes one retrieved source attached to an assistant message.
type Reference struct {
	ChunkID    string  `json:"chunk_id,omitempty"`
	DocumentID string  `json:"document_id,omitempty"`
	Title      string  `json:"title,omitempty"`
	URL        string  `json:"url,omitempty"`
	Snippet    string  `json:"snippet,omitempty"`
	Score      float64 `json:"score,omitempty"`
}

// Parts is an ordered list of text fragments stored as a JSON column.
type Parts []string

// Value implements driver.Valuer for JSON storage.
func (p Parts) Value() (driver.Value, error) {
	if p == nil {
		p = Parts{}
	}
	b, err := json.Marshal(p)
	return string(b), err
}

// Scan implements sql.Scanner for JSON storage.
func (p *Parts) Scan(src any) error {
	return scanJSON(src, p)
}

// Text joins all fragments into a single string.
func (p Parts) Text() string {
	switch len(p) {
	case 0:
		return ""
	case 1:
		return p[0]
	}
	out := p[0]
	for _, s := range p[1:] {
		out += "\n" + s
	}
	return out
}

// References is a list of source descriptors stored as a JSON column.
type References []Reference

// Value implements driver.Valuer for JSON storage.
func (r References) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	b, err := json.Marshal(r)
	return string(b), err
}

// Scan implements sql.Scanner for JSON storage.
func (r *References) Scan(src any) error {
	return scanJSON(src, r)
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return errors.New("unsupported column type for JSON scan")
	}
}
