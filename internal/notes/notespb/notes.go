// Package notespb holds the frame types of the notes service, encoded with the
// field numbers declared in schemas/notes.proto.
package notespb

import (
	"fmt"

	"github.com/binaflow/binaflow-go/pkg/envelope"
)

// Change kinds carried by NoteChanged.
const (
	ChangePut    = "put"
	ChangeDelete = "delete"
)

// PutNote creates a note, or replaces it when ID names an existing one.
type PutNote struct {
	envelope.Envelope
	ID    string
	Title string
	Body  string
	Tags  []string
	// ExpectedRevision, when non-zero, must match the stored revision.
	ExpectedRevision int64
}

func (m *PutNote) MarshalBinary() ([]byte, error) {
	w := envelope.NewWriter(&m.Envelope).
		String(3, m.ID).
		String(4, m.Title).
		String(5, m.Body)
	for _, tag := range m.Tags {
		w.String(6, tag)
	}
	return w.Int64(7, m.ExpectedRevision).Bytes(), nil
}

func (m *PutNote) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, func(f envelope.Field) (err error) {
		switch f.Num {
		case 3:
			m.ID, err = f.AsString()
		case 4:
			m.Title, err = f.AsString()
		case 5:
			m.Body, err = f.AsString()
		case 6:
			var tag string
			if tag, err = f.AsString(); err == nil {
				m.Tags = append(m.Tags, tag)
			}
		case 7:
			m.ExpectedRevision, err = f.AsInt64()
		}
		return err
	})
}

// GetNote asks for one note.
type GetNote struct {
	envelope.Envelope
	ID string
}

func (m *GetNote) MarshalBinary() ([]byte, error) {
	return envelope.NewWriter(&m.Envelope).String(3, m.ID).Bytes(), nil
}

func (m *GetNote) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, idField(&m.ID))
}

// ListNotes asks for notes, optionally those carrying Tag.
type ListNotes struct {
	envelope.Envelope
	Tag   string
	Limit int32
}

func (m *ListNotes) MarshalBinary() ([]byte, error) {
	return envelope.NewWriter(&m.Envelope).String(3, m.Tag).Int32(4, m.Limit).Bytes(), nil
}

func (m *ListNotes) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, func(f envelope.Field) (err error) {
		switch f.Num {
		case 3:
			m.Tag, err = f.AsString()
		case 4:
			m.Limit, err = f.AsInt32()
		}
		return err
	})
}

// DeleteNote removes a note.
type DeleteNote struct {
	envelope.Envelope
	ID string
}

func (m *DeleteNote) MarshalBinary() ([]byte, error) {
	return envelope.NewWriter(&m.Envelope).String(3, m.ID).Bytes(), nil
}

func (m *DeleteNote) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, idField(&m.ID))
}

// WatchNotes subscribes the session to NoteChanged frames, optionally only
// for notes carrying Tag. The reply is a NoteList snapshot.
type WatchNotes struct {
	envelope.Envelope
	Tag string
}

func (m *WatchNotes) MarshalBinary() ([]byte, error) {
	return envelope.NewWriter(&m.Envelope).String(3, m.Tag).Bytes(), nil
}

func (m *WatchNotes) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, func(f envelope.Field) (err error) {
		if f.Num == 3 {
			m.Tag, err = f.AsString()
		}
		return err
	})
}

// Note is a stored note. Created and Modified are Unix milliseconds.
type Note struct {
	envelope.Envelope
	ID       string
	Title    string
	Body     string
	Tags     []string
	Revision int64
	Created  int64
	Modified int64
}

func (m *Note) MarshalBinary() ([]byte, error) {
	w := envelope.NewWriter(&m.Envelope).
		String(3, m.ID).
		String(4, m.Title).
		String(5, m.Body)
	for _, tag := range m.Tags {
		w.String(6, tag)
	}
	return w.Int64(7, m.Revision).Int64(8, m.Created).Int64(9, m.Modified).Bytes(), nil
}

func (m *Note) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, func(f envelope.Field) (err error) {
		switch f.Num {
		case 3:
			m.ID, err = f.AsString()
		case 4:
			m.Title, err = f.AsString()
		case 5:
			m.Body, err = f.AsString()
		case 6:
			var tag string
			if tag, err = f.AsString(); err == nil {
				m.Tags = append(m.Tags, tag)
			}
		case 7:
			m.Revision, err = f.AsInt64()
		case 8:
			m.Created, err = f.AsInt64()
		case 9:
			m.Modified, err = f.AsInt64()
		}
		return err
	})
}

// NoteList answers ListNotes and WatchNotes.
type NoteList struct {
	envelope.Envelope
	Notes []*Note
}

func (m *NoteList) MarshalBinary() ([]byte, error) {
	w := envelope.NewWriter(&m.Envelope)
	for i, n := range m.Notes {
		if n == nil {
			return nil, fmt.Errorf("notespb: NoteList.Notes[%d] is nil", i)
		}
		b, err := n.embedded()
		if err != nil {
			return nil, err
		}
		w.Message(3, b)
	}
	return w.Bytes(), nil
}

func (m *NoteList) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, func(f envelope.Field) error {
		if f.Num != 3 {
			return nil
		}
		n, err := nestedNote(f)
		if err != nil {
			return err
		}
		m.Notes = append(m.Notes, n)
		return nil
	})
}

// NoteDeleted answers DeleteNote.
type NoteDeleted struct {
	envelope.Envelope
	ID string
}

func (m *NoteDeleted) MarshalBinary() ([]byte, error) {
	return envelope.NewWriter(&m.Envelope).String(3, m.ID).Bytes(), nil
}

func (m *NoteDeleted) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, idField(&m.ID))
}

// NoteChanged is pushed to watching sessions. Its message id is empty; for a
// delete, Note carries only the id.
type NoteChanged struct {
	envelope.Envelope
	Change string
	Note   *Note
}

func (m *NoteChanged) MarshalBinary() ([]byte, error) {
	w := envelope.NewWriter(&m.Envelope).String(3, m.Change)
	if m.Note != nil {
		b, err := m.Note.embedded()
		if err != nil {
			return nil, err
		}
		w.Message(4, b)
	}
	return w.Bytes(), nil
}

func (m *NoteChanged) UnmarshalBinary(b []byte) error {
	return envelope.Unmarshal(b, &m.Envelope, func(f envelope.Field) (err error) {
		switch f.Num {
		case 3:
			m.Change, err = f.AsString()
		case 4:
			m.Note, err = nestedNote(f)
		}
		return err
	})
}

// All returns a prototype of every notes frame type, for catalog registration.
func All() []envelope.Message {
	return []envelope.Message{
		&PutNote{}, &GetNote{}, &ListNotes{}, &DeleteNote{}, &WatchNotes{},
		&Note{}, &NoteList{}, &NoteDeleted{}, &NoteChanged{},
	}
}

// embedded encodes n without its envelope fields.
func (m *Note) embedded() ([]byte, error) {
	inner := *m
	inner.Envelope = envelope.Envelope{}
	return inner.MarshalBinary()
}

func nestedNote(f envelope.Field) (*Note, error) {
	b, err := f.AsBytes()
	if err != nil {
		return nil, err
	}
	n := &Note{}
	if err := n.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return n, nil
}

func idField(dst *string) func(envelope.Field) error {
	return func(f envelope.Field) (err error) {
		if f.Num == 3 {
			*dst, err = f.AsString()
		}
		return err
	}
}
