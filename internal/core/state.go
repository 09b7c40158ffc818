package core

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Citation struct {
	Source string `json:"source"`
}

// Turn is one transcript entry. Failed marks a user turn whose question never got an answer.
type Turn struct {
	Role            Role       `json:"role"`
	Content         string     `json:"content"`
	SourceDocuments []Citation `json:"source_documents,omitempty"`
	Failed          bool       `json:"failed,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

type CredentialKind string

const (
	CredentialNone   CredentialKind = ""
	CredentialAPIKey CredentialKind = "apikey"
	CredentialBearer CredentialKind = "bearer"
)

// Credential is the persisted form of the active authentication. The static API key is never
// stored; only the fact that it is in use.
type Credential struct {
	Kind  CredentialKind `json:"kind,omitempty"`
	Token string         `json:"token,omitempty"`
}

// State is everything a session remembers between requests.
type State struct {
	ID             string     `json:"id"`
	Credential     Credential `json:"credential"`
	Username       string     `json:"username,omitempty"`
	IsAdmin        bool       `json:"is_admin"`
	Courses        []string   `json:"courses"` // last fetched list; nil until fetched
	SelectedCourse string     `json:"selected_course,omitempty"`
	Transcript     []Turn     `json:"transcript"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func NewState() *State {
	now := time.Now()
	return &State{
		ID:         uuid.NewString(),
		Transcript: []Turn{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.Courses != nil {
		out.Courses = append([]string{}, s.Courses...)
	}
	out.Transcript = make([]Turn, len(s.Transcript))
	for i, t := range s.Transcript {
		if t.SourceDocuments != nil {
			t.SourceDocuments = append([]Citation(nil), t.SourceDocuments...)
		}
		out.Transcript[i] = t
	}
	return &out
}
