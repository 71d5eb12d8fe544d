package notes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/binaflow/binaflow-go/internal/notes/notespb"
	"github.com/binaflow/binaflow-go/pkg/db"
	"github.com/binaflow/binaflow-go/pkg/envelope"
	"github.com/binaflow/binaflow-go/pkg/handler"
	"github.com/binaflow/binaflow-go/pkg/problem"
	"github.com/binaflow/binaflow-go/pkg/schema"
	"github.com/binaflow/binaflow-go/pkg/session"
)

const logPrefix = "notes:controller"

const controllerName = "NotesController"

// Problem kinds sent by the notes service.
const (
	KindInvalidNote      = "InvalidNote"
	KindNoteNotFound     = "NoteNotFound"
	KindRevisionConflict = "RevisionConflict"
)

// MaxTitleLength bounds PutNote titles, in bytes.
const MaxTitleLength = 200

// Register adds the notes frame types to c.
func Register(c *schema.Catalog) error {
	return c.Register(notespb.All()...)
}

// Controller binds the notes frames to a Store.
type Controller struct {
	store Store
	hub   *Hub
}

// NewController returns a Controller over store. A nil hub disables WatchNotes pushes.
func NewController(store Store, hub *Hub) *Controller {
	if hub == nil {
		hub = NewHub()
	}
	return &Controller{store: store, hub: hub}
}

func (c *Controller) Handlers() []handler.Declaration {
	return []handler.Declaration{
		handler.Func(controllerName, c.PutNote),
		handler.Func(controllerName, c.GetNote),
		handler.Func(controllerName, c.ListNotes),
		handler.Func(controllerName, c.DeleteNote),
		handler.Func(controllerName, c.WatchNotes),
	}
}

// PutNote stores the note and tells watchers.
func (c *Controller) PutNote(m *notespb.PutNote, sess *session.Session) (*notespb.Note, error) {
	title := strings.TrimSpace(m.Title)
	if title == "" {
		return nil, problem.BadRequest("Invalid note", "title is required").WithKind(KindInvalidNote)
	}
	if len(title) > MaxTitleLength {
		return nil, problem.BadRequest("Invalid note",
			fmt.Sprintf("title is %d bytes, at most %d are allowed", len(title), MaxTitleLength)).WithKind(KindInvalidNote)
	}

	note, err := c.store.PutNote(sess.Context(), db.PutNoteParams{
		ID:               m.ID,
		Title:            title,
		Body:             m.Body,
		Tags:             normalizeTags(m.Tags),
		ExpectedRevision: m.ExpectedRevision,
	})
	if err != nil {
		return nil, storeError(err, m.ID, "put note")
	}
	slog.Debug(fmt.Sprintf("%s - Session %s stored note %s at revision %d", logPrefix, sess.ID(), note.ID, note.Revision))

	c.hub.Broadcast(changed(notespb.ChangePut, toPB(note, "")), note.Tags)
	return toPB(note, m.MessageID), nil
}

func (c *Controller) GetNote(m *notespb.GetNote, sess *session.Session) (*notespb.Note, error) {
	note, err := c.store.GetNote(sess.Context(), m.ID)
	if err != nil {
		return nil, storeError(err, m.ID, "get note")
	}
	return toPB(note, m.MessageID), nil
}

func (c *Controller) ListNotes(m *notespb.ListNotes, sess *session.Session) (*notespb.NoteList, error) {
	return c.list(sess.Context(), m.MessageID, m.Tag, int(m.Limit))
}

// DeleteNote removes the note and tells watchers.
func (c *Controller) DeleteNote(m *notespb.DeleteNote, sess *session.Session) (*notespb.NoteDeleted, error) {
	ctx := sess.Context()
	note, err := c.store.GetNote(ctx, m.ID)
	if err != nil {
		return nil, storeError(err, m.ID, "get note")
	}
	if err := c.store.DeleteNote(ctx, m.ID); err != nil {
		return nil, storeError(err, m.ID, "delete note")
	}

	c.hub.Broadcast(changed(notespb.ChangeDelete, &notespb.Note{ID: note.ID}), note.Tags)
	return &notespb.NoteDeleted{Envelope: envelope.Envelope{MessageID: m.MessageID}, ID: m.ID}, nil
}

// WatchNotes subscribes the session and answers with the current notes.
func (c *Controller) WatchNotes(m *notespb.WatchNotes, sess *session.Session) (*notespb.NoteList, error) {
	c.hub.Watch(sess, m.Tag)
	slog.Info(fmt.Sprintf("%s - Session %s watching notes (tag %q)", logPrefix, sess.ID(), m.Tag))
	return c.list(sess.Context(), m.MessageID, m.Tag, 0)
}

func (c *Controller) list(ctx context.Context, messageID, tag string, limit int) (*notespb.NoteList, error) {
	notes, err := c.store.ListNotes(ctx, db.ListNotesParams{Tag: tag, Limit: limit})
	if err != nil {
		return nil, errors.Wrap(err, "list notes")
	}
	out := &notespb.NoteList{Envelope: envelope.Envelope{MessageID: messageID}}
	for _, n := range notes {
		out.Notes = append(out.Notes, toPB(n, ""))
	}
	return out, nil
}

// storeError maps store failures to problems; anything unexpected keeps a
// stack and becomes an unhandled error.
func storeError(err error, id, op string) error {
	switch {
	case errors.Is(err, db.ErrNoteNotFound):
		return problem.NotFound("Note not found", fmt.Sprintf("note %q does not exist", id)).WithKind(KindNoteNotFound)
	case errors.Is(err, db.ErrRevisionConflict):
		return problem.New(409, "Revision conflict", fmt.Sprintf("note %q has changed since the expected revision", id)).
			WithKind(KindRevisionConflict).WithCause(err)
	}
	return errors.Wrapf(err, "%s %s", op, id)
}

func changed(kind string, n *notespb.Note) *notespb.NoteChanged {
	return &notespb.NoteChanged{
		Envelope: envelope.Envelope{MessageType: "NoteChanged"},
		Change:   kind,
		Note:     n,
	}
}

func toPB(n *db.Note, messageID string) *notespb.Note {
	return &notespb.Note{
		Envelope: envelope.Envelope{MessageID: messageID},
		ID:       n.ID,
		Title:    n.Title,
		Body:     n.Body,
		Tags:     n.Tags,
		Revision: n.Revision,
		Created:  n.Created.UnixMilli(),
		Modified: n.Modified.UnixMilli(),
	}
}

// normalizeTags trims tags and drops empty and repeated ones, keeping order.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
