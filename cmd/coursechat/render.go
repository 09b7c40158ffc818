package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"gwi.com/coursechat/internal/backend"
	"gwi.com/coursechat/internal/core"
	"gwi.com/coursechat/internal/utils"
)

type renderer struct {
	md       *glamour.TermRenderer
	errStyle lipgloss.Style
	cite     lipgloss.Style
	notice   lipgloss.Style
	heading  lipgloss.Style
	prompt   lipgloss.Style
}

// newRenderer builds the terminal renderer. Plain output skips markdown and colour.
func newRenderer(plain bool) *renderer {
	if plain {
		s := lipgloss.NewStyle()
		return &renderer{errStyle: s, cite: s, notice: s, heading: s, prompt: s}
	}
	r := &renderer{
		errStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		cite:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true),
		notice:   lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		heading:  lipgloss.NewStyle().Bold(true).Underline(true),
		prompt:   lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err == nil {
		r.md = md
	}
	return r
}

func (r *renderer) markdown(w io.Writer, text string) {
	if r.md != nil && strings.TrimSpace(text) != "" {
		if out, err := r.md.Render(text); err == nil {
			fmt.Fprint(w, out)
			return
		}
	}
	fmt.Fprintln(w, text)
}

func (r *renderer) answer(w io.Writer, turn *core.Turn) {
	r.markdown(w, turn.Content)
	if len(turn.SourceDocuments) == 0 {
		return
	}
	names := make([]string, len(turn.SourceDocuments))
	for i, c := range turn.SourceDocuments {
		names[i] = c.Source
	}
	fmt.Fprintln(w, r.cite.Render("Sources: "+strings.Join(names, ", ")))
}

func (r *renderer) errorLine(w io.Writer, msg string) {
	fmt.Fprintln(w, r.errStyle.Render(msg))
}

func (r *renderer) info(w io.Writer, msg string) {
	fmt.Fprintln(w, r.notice.Render(msg))
}

func (r *renderer) title(w io.Writer, msg string) {
	fmt.Fprintln(w, r.heading.Render(msg))
}

func (r *renderer) list(w io.Writer, items []string, empty string) {
	if len(items) == 0 {
		r.info(w, empty)
		return
	}
	for _, it := range items {
		fmt.Fprintf(w, "  - %s\n", it)
	}
}

func (r *renderer) documents(w io.Writer, idx *backend.DocumentIndex, course string) {
	switch {
	case !idx.Grouped:
		r.title(w, "Documents")
		r.list(w, idx.For(""), "No documents uploaded yet.")
	case course != "":
		r.title(w, "Documents in "+course)
		r.list(w, idx.For(course), "No documents in this course yet.")
	default:
		courses := make([]string, 0, len(idx.ByCourse))
		for c := range idx.ByCourse {
			courses = append(courses, c)
		}
		sort.Strings(courses)
		if len(courses) == 0 {
			r.info(w, "No documents uploaded yet.")
		}
		for _, c := range courses {
			r.title(w, c)
			r.list(w, idx.For(c), "No documents in this course yet.")
		}
	}
}

func (r *renderer) stats(w io.Writer, st *core.Stats, loc *time.Location) {
	switch st.Kind {
	case core.StatsOverview:
		r.title(w, "Overview")
		fmt.Fprintf(w, "  Questions: %d\n  Courses:   %d\n  Vectors:   %d\n",
			st.Overview.TotalQuestions, st.Overview.TotalCourses, st.Overview.TotalVectors)
	case core.StatsQuestionsByCourse:
		r.title(w, "Questions by course")
		courses := make([]string, 0, len(st.QuestionsByCourse))
		for c := range st.QuestionsByCourse {
			courses = append(courses, c)
		}
		sort.Strings(courses)
		if len(courses) == 0 {
			r.info(w, "No questions asked yet.")
		}
		for _, c := range courses {
			fmt.Fprintf(w, "  %-24s %d\n", c, st.QuestionsByCourse[c])
		}
	case core.StatsRecentQuestions:
		r.title(w, "Recent questions")
		if len(st.RecentQuestions) == 0 {
			r.info(w, "No questions asked yet.")
		}
		for _, q := range st.RecentQuestions {
			fmt.Fprintf(w, "  [%s] %s\n    Q: %s\n    A: %s\n",
				utils.FormatTimestamp(q.Timestamp, loc), q.Course, q.Question, q.Answer)
		}
	}
}

func (r *renderer) transcript(w io.Writer, turns []core.Turn) {
	if len(turns) == 0 {
		r.info(w, "No messages yet.")
		return
	}
	for _, t := range turns {
		switch {
		case t.Role == core.RoleUser && t.Failed:
			fmt.Fprintf(w, "%s %s\n", r.prompt.Render("you:"), t.Content+r.errStyle.Render(" (failed)"))
		case t.Role == core.RoleUser:
			fmt.Fprintf(w, "%s %s\n", r.prompt.Render("you:"), t.Content)
		default:
			r.answer(w, &t)
		}
	}
}
