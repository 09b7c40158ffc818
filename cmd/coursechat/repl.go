package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gwi.com/coursechat/internal/backend"
	"gwi.com/coursechat/internal/config"
	"gwi.com/coursechat/internal/core"
)

var errQuit = errors.New("quit")

const helpText = `Commands:
  /login [username]            sign in (re-activates the shared key in apikey mode)
  /register [username]         create an account
  /logout                      sign out and clear the conversation
  /admin                       unlock administrator features
  /courses                     list courses
  /course <name>               select a course (clears the conversation)
  /docs                        list documents
  /upload <path> [name]        upload a document to the selected course
  /delete [course] <filename>  delete a document
  /stats [kind]                overview, questions-by-course or recent-questions
  /history                     show the conversation
  /help                        show this help
  /quit                        exit
Anything else is sent as a question.`

type repl struct {
	sess       *core.Session
	out        io.Writer
	render     *renderer
	loc        *time.Location
	readLine   func() (string, bool)
	readSecret func(prompt string) (string, error)
	docsStale  bool
}

func newREPL(sess *core.Session, in io.Reader, out io.Writer, render *renderer, loc *time.Location) *repl {
	r := &repl{
		sess:     sess,
		out:      out,
		render:   render,
		loc:      loc,
		readLine: lineReader(bufio.NewScanner(in)),
	}
	r.readSecret = func(prompt string) (string, error) {
		s, ok := r.prompt(prompt)
		if !ok {
			return "", io.EOF
		}
		return s, nil
	}
	sess.OnInvalidate(r.onInvalidate)
	return r
}

func (r *repl) onInvalidate(inv core.Invalidation) {
	switch inv {
	case core.InvalidateAuth:
		if !r.sess.IsAuthenticated() {
			r.render.info(r.out, "You have been signed out. Use /login to continue.")
		}
	case core.InvalidateDocuments:
		r.docsStale = true
	}
}

func (r *repl) prompt(label string) (string, bool) {
	fmt.Fprint(r.out, label)
	line, ok := r.readLine()
	return strings.TrimSpace(line), ok
}

// command splits a slash command into its name and the rest of the line.
func command(line string) (name, rest string, ok bool) {
	if !strings.HasPrefix(line, "/") {
		return "", "", false
	}
	name, rest, _ = strings.Cut(strings.TrimPrefix(line, "/"), " ")
	return strings.ToLower(name), strings.TrimSpace(rest), true
}

func (r *repl) Run(ctx context.Context) error {
	r.render.title(r.out, "coursechat")
	r.render.info(r.out, "Type /help for commands.")

	if r.sess.Mode() == config.AuthModeAPIKey {
		if err := r.authenticate(ctx, nil); err != nil {
			r.fail(err)
		} else if err := r.afterSignIn(ctx); err != nil {
			r.fail(err)
		}
	} else {
		r.render.info(r.out, "Sign in with /login or create an account with /register.")
	}

	for ctx.Err() == nil {
		label := "> "
		if c := r.sess.SelectedCourse(); c != "" {
			label = c + "> "
		}
		line, ok := r.prompt(r.render.prompt.Render(label))
		if !ok {
			fmt.Fprintln(r.out)
			return nil
		}
		if line == "" {
			continue
		}
		if err := r.handle(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			r.fail(err)
		}
	}
	return nil
}

func (r *repl) handle(ctx context.Context, line string) error {
	name, rest, ok := command(line)
	if !ok {
		return r.ask(ctx, line)
	}

	switch name {
	case "help", "?":
		fmt.Fprintln(r.out, helpText)
		return nil
	case "quit", "exit", "q":
		return errQuit
	case "login":
		if err := r.authenticate(ctx, strings.Fields(rest)); err != nil {
			return err
		}
		return r.afterSignIn(ctx)
	case "register":
		return r.register(ctx, strings.Fields(rest))
	case "logout":
		r.sess.Logout()
		r.render.info(r.out, "Signed out.")
		return nil
	case "admin":
		return r.unlockAdmin()
	case "courses":
		return r.listCourses(ctx)
	case "course":
		return r.selectCourse(rest)
	case "docs", "documents":
		return r.listDocuments(ctx)
	case "upload":
		return r.upload(ctx, rest)
	case "delete":
		return r.deleteDocument(ctx, rest)
	case "stats":
		return r.stats(ctx, rest)
	case "history":
		r.render.transcript(r.out, r.sess.Transcript())
		return nil
	default:
		r.render.errorLine(r.out, fmt.Sprintf("Unknown command /%s. Type /help for the list.", name))
		return nil
	}
}

// fail prints the one-line message for err next to the action that caused it.
func (r *repl) fail(err error) {
	r.render.errorLine(r.out, errorText(err))
}

func errorText(err error) string {
	switch {
	case errors.Is(err, core.ErrNotAuthenticated):
		return "Please sign in first with /login."
	case errors.Is(err, core.ErrNoCourse):
		return "Select a course first with /course <name>."
	case errors.Is(err, core.ErrUnknownCourse):
		return "No such course. Use /courses to see the list."
	case errors.Is(err, core.ErrAdminRequired):
		return "Administrator access required. Use /admin to unlock it."
	case errors.Is(err, core.ErrAdminPassword):
		return "Incorrect admin password."
	case errors.Is(err, core.ErrWrongMode):
		return "That command is not available with this server configuration."
	case core.IsLocal(err):
		msg := err.Error()
		return strings.ToUpper(msg[:1]) + msg[1:] + "."
	}
	return backend.UserMessage(err)
}

func (r *repl) authenticate(ctx context.Context, args []string) error {
	if r.sess.Mode() == config.AuthModeAPIKey {
		if err := r.sess.AuthenticateStatic(); err != nil {
			return err
		}
		r.render.info(r.out, "Connected.")
		return nil
	}

	username, password, err := r.credentials(args)
	if err != nil {
		return err
	}
	if err := r.sess.Login(ctx, username, password); err != nil {
		return err
	}
	role := ""
	if r.sess.IsAdmin() {
		role = " (administrator)"
	}
	r.render.info(r.out, fmt.Sprintf("Signed in as %s%s.", username, role))
	return nil
}

// afterSignIn lists the courses so the user can pick one.
func (r *repl) afterSignIn(ctx context.Context) error {
	if !r.sess.MultiCourse() {
		return nil
	}
	if err := r.listCourses(ctx); err != nil {
		return err
	}
	r.render.info(r.out, "Pick one with /course <name>.")
	return nil
}

func (r *repl) credentials(args []string) (string, string, error) {
	var username string
	if len(args) > 0 {
		username = args[0]
	} else {
		var ok bool
		if username, ok = r.prompt("Username: "); !ok {
			return "", "", io.EOF
		}
	}
	password, err := r.readSecret("Password: ")
	if err != nil {
		return "", "", err
	}
	return username, password, nil
}

func (r *repl) register(ctx context.Context, args []string) error {
	if r.sess.Mode() != config.AuthModeLogin {
		return core.ErrWrongMode
	}
	username, password, err := r.credentials(args)
	if err != nil {
		return err
	}
	msg, err := r.sess.Register(ctx, username, password)
	if err != nil {
		return err
	}
	if msg == "" {
		msg = "Account created."
	}
	r.render.info(r.out, msg+" You can now /login.")
	return nil
}

func (r *repl) unlockAdmin() error {
	password, err := r.readSecret("Admin password: ")
	if err != nil {
		return err
	}
	if err := r.sess.UnlockAdmin(password); err != nil {
		return err
	}
	r.render.info(r.out, "Access granted.")
	return nil
}

func (r *repl) listCourses(ctx context.Context) error {
	courses, err := r.sess.ListCourses(ctx)
	if err != nil {
		return err
	}
	r.render.title(r.out, "Courses")
	r.render.list(r.out, courses, "No courses available yet. Upload a document to create one.")
	return nil
}

func (r *repl) selectCourse(name string) error {
	if name == "" {
		if c := r.sess.SelectedCourse(); c != "" {
			r.render.info(r.out, "Current course: "+c)
		} else {
			r.render.info(r.out, "No course selected. Usage: /course <name>")
		}
		return nil
	}
	changed, err := r.sess.SelectCourse(name)
	if err != nil {
		return err
	}
	if changed {
		r.render.info(r.out, fmt.Sprintf("Switched to %s. Conversation cleared.", name))
	} else {
		r.render.info(r.out, "Already on "+name+".")
	}
	return nil
}

func (r *repl) ask(ctx context.Context, question string) error {
	turn, err := r.sess.Ask(ctx, question)
	if err != nil {
		return err
	}
	r.render.answer(r.out, turn)
	return nil
}

func (r *repl) listDocuments(ctx context.Context) error {
	idx, err := r.sess.ListDocuments(ctx)
	if err != nil {
		return err
	}
	r.docsStale = false
	r.render.documents(r.out, idx, r.sess.SelectedCourse())
	return nil
}

func (r *repl) refreshDocuments(ctx context.Context) error {
	if !r.docsStale {
		return nil
	}
	return r.listDocuments(ctx)
}

func (r *repl) upload(ctx context.Context, rest string) error {
	path, displayName, _ := strings.Cut(rest, " ")
	if path == "" {
		r.render.errorLine(r.out, "Usage: /upload <path> [display name]")
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		r.render.errorLine(r.out, fmt.Sprintf("Cannot read %s: %v", path, err))
		return nil
	}
	msg, err := r.sess.UploadDocument(ctx, r.sess.SelectedCourse(), strings.TrimSpace(displayName), content, filepath.Base(path), "")
	if err != nil {
		return err
	}
	r.render.info(r.out, msg)
	return r.refreshDocuments(ctx)
}

func (r *repl) deleteDocument(ctx context.Context, rest string) error {
	course, filename := r.sess.SelectedCourse(), rest
	if r.sess.MultiCourse() {
		if first, tail, found := strings.Cut(rest, " "); found {
			course, filename = first, strings.TrimSpace(tail)
		}
	}
	if filename == "" {
		r.render.errorLine(r.out, "Usage: /delete [course] <filename>")
		return nil
	}
	msg, err := r.sess.DeleteDocument(ctx, course, filename)
	if err != nil {
		return err
	}
	r.render.info(r.out, msg)
	return r.refreshDocuments(ctx)
}

func (r *repl) stats(ctx context.Context, rest string) error {
	if rest == "" {
		rest = string(core.StatsOverview)
	}
	kind, err := core.ParseStatsKind(rest)
	if err != nil {
		return err
	}
	st, err := r.sess.FetchStats(ctx, kind)
	if err != nil {
		return err
	}
	r.render.stats(r.out, st, r.loc)
	return nil
}
