package backend

import (
	"encoding/json"
	"fmt"
)

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IsAdmin     bool   `json:"is_admin"`
}

type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AskRequest struct {
	Question    string           `json:"question"`
	Course      string           `json:"course,omitempty"`
	ChatHistory []HistoryMessage `json:"chat_history"`
}

// SourceDocument is one citation record; fields other than source are ignored.
type SourceDocument struct {
	Source string `json:"source"`
}

type AskResponse struct {
	Answer          string           `json:"answer"`
	SourceDocuments []SourceDocument `json:"source_documents,omitempty"`
}

type Upload struct {
	Course      string
	DisplayName string
	FileName    string
	MimeType    string
	Content     []byte
}

type Overview struct {
	TotalQuestions int `json:"total_questions"`
	TotalCourses   int `json:"total_courses"`
	TotalVectors   int `json:"total_vectors"`
}

type RecentQuestion struct {
	Timestamp string `json:"timestamp"`
	Course    string `json:"course"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
}

// DocumentIndex is the /list-documents/ payload, either grouped by course or flat.
type DocumentIndex struct {
	Grouped  bool
	ByCourse map[string][]string
	Flat     []string
}

func (d *DocumentIndex) UnmarshalJSON(data []byte) error {
	var grouped map[string][]string
	if err := json.Unmarshal(data, &grouped); err == nil {
		d.Grouped = true
		d.ByCourse = grouped
		d.Flat = nil
		return nil
	}

	var flat []string
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("document list is neither an object nor an array: %w", err)
	}
	d.Grouped = false
	d.ByCourse = nil
	d.Flat = flat
	return nil
}

func (d DocumentIndex) MarshalJSON() ([]byte, error) {
	if d.Grouped {
		if d.ByCourse == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(d.ByCourse)
	}
	if d.Flat == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(d.Flat)
}

// For returns the filenames of course. Absent courses yield an empty, non-nil slice.
// A flat index ignores course.
func (d *DocumentIndex) For(course string) []string {
	var files []string
	if d.Grouped {
		files = d.ByCourse[course]
	} else {
		files = d.Flat
	}
	if files == nil {
		return []string{}
	}
	return files
}
