// Package notes is the note domain service. Notes are stored as JSON
// documents in the event log, so every edit is a chain transaction and
// replicates like any other entity.
package notes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/paperwork/paperd/internal/eventlog"
)

// ErrNotFound is returned for unknown or deleted note ids.
var ErrNotFound = errors.New("note not found")

// ErrEmptyNote rejects notes with neither title nor content.
var ErrEmptyNote = errors.New("note needs a title or content")

// Note is one note's full state. ID and the timestamps live on the
// index entry; the remaining fields form the stored document.
type Note struct {
	ID          string            `json:"id,omitempty"`
	Title       string            `json:"title"`
	Content     string            `json:"content"`
	Tags        []string          `json:"tags,omitempty"`
	Attachments []string          `json:"attachments,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"createdAt,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt,omitempty"`
}

// Service exposes note CRUD over an event log.
type Service struct {
	log    *eventlog.Log
	logger zerolog.Logger
}

// New creates a note service over the given log.
func New(log *eventlog.Log, logger zerolog.Logger) *Service {
	return &Service{
		log:    log,
		logger: logger.With().Str("service", "notes").Logger(),
	}
}

// Create stores a new note and returns it with its assigned id.
func (s *Service) Create(ctx context.Context, note Note) (Note, error) {
	document, err := encodeDocument(note)
	if err != nil {
		return Note{}, err
	}
	id, err := s.log.Create(ctx, document)
	if err != nil {
		return Note{}, fmt.Errorf("create note: %w", err)
	}
	s.logger.Info().Str("noteId", id).Msg("note created")
	return s.Show(ctx, id)
}

// Show returns one note by id.
func (s *Service) Show(ctx context.Context, id string) (Note, error) {
	entry, err := s.log.Show(ctx, id)
	if errors.Is(err, eventlog.ErrNotFound) {
		return Note{}, fmt.Errorf("note %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Note{}, err
	}
	return noteFromEntry(entry)
}

// Update replaces a note's document and returns the new state.
func (s *Service) Update(ctx context.Context, id string, note Note) (Note, error) {
	document, err := encodeDocument(note)
	if err != nil {
		return Note{}, err
	}
	if _, err := s.log.Update(ctx, id, document); err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			return Note{}, fmt.Errorf("note %s: %w", id, ErrNotFound)
		}
		return Note{}, fmt.Errorf("update note %s: %w", id, err)
	}
	s.logger.Info().Str("noteId", id).Msg("note updated")
	return s.Show(ctx, id)
}

// Destroy deletes a note. The deletion is itself a chain transaction,
// so it replicates to peers instead of silently vanishing.
func (s *Service) Destroy(ctx context.Context, id string) error {
	if _, err := s.log.Destroy(ctx, id); err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			return fmt.Errorf("note %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("destroy note %s: %w", id, err)
	}
	s.logger.Info().Str("noteId", id).Msg("note destroyed")
	return nil
}

// List returns all live notes. Deleted notes are excluded.
func (s *Service) List(ctx context.Context) ([]Note, error) {
	entries, err := s.log.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	out := make([]Note, 0, len(entries))
	for _, entry := range entries {
		if entry.Deleted() {
			continue
		}
		note, err := noteFromEntry(entry)
		if err != nil {
			// A document another peer wrote may not parse as a note.
			// Keep listing the rest.
			s.logger.Warn().Err(err).Str("noteId", entry.EntityID).Msg("skipping unparseable note")
			continue
		}
		out = append(out, note)
	}
	return out, nil
}

func encodeDocument(note Note) (string, error) {
	if note.Title == "" && note.Content == "" {
		return "", ErrEmptyNote
	}
	document := Note{
		Title:       note.Title,
		Content:     note.Content,
		Tags:        note.Tags,
		Attachments: note.Attachments,
		Meta:        note.Meta,
	}
	data, err := json.Marshal(document)
	if err != nil {
		return "", fmt.Errorf("encode note: %w", err)
	}
	return string(data), nil
}

func noteFromEntry(entry eventlog.IndexEntry) (Note, error) {
	var note Note
	if err := json.Unmarshal([]byte(entry.MaterializedView), &note); err != nil {
		return Note{}, fmt.Errorf("decode note %s: %w", entry.EntityID, err)
	}
	note.ID = entry.EntityID
	note.CreatedAt = entry.CreatedAt
	note.UpdatedAt = entry.UpdatedAt
	return note, nil
}
