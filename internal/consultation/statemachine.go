// Package consultation owns the lifecycle of a consultation: the legal
// status transitions, the fields they derive and who may drive them.
package consultation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/consultation-orchestrator/internal/store"
)

var ErrInvalidTransition = errors.New("invalid status transition")

// Relationship is the caller's standing on one consultation.
type Relationship string

const (
	RelationNone    Relationship = "none"
	RelationPatient Relationship = "patient"
	RelationDoctor  Relationship = "doctor"
)

// Authorize is the single check every entry point uses to decide whether a
// user is a party to the consultation.
func Authorize(c *store.Consultation, userID uuid.UUID) Relationship {
	switch {
	case c == nil || userID == uuid.Nil:
		return RelationNone
	case userID == c.PatientID:
		return RelationPatient
	case userID == c.DoctorID:
		return RelationDoctor
	default:
		return RelationNone
	}
}

// Role maps the relationship onto the author role stored with notes and chat.
func (r Relationship) Role() store.Role {
	if r == RelationDoctor {
		return store.RoleDoctor
	}
	return store.RolePatient
}

// Counterpart returns the other party of the consultation.
func Counterpart(c *store.Consultation, userID uuid.UUID) (uuid.UUID, bool) {
	switch Authorize(c, userID) {
	case RelationPatient:
		return c.DoctorID, true
	case RelationDoctor:
		return c.PatientID, true
	default:
		return uuid.Nil, false
	}
}

var transitions = map[store.Status][]store.Status{
	store.StatusCreated:   {store.StatusScheduled, store.StatusCancelled},
	store.StatusScheduled: {store.StatusOngoing, store.StatusCancelled},
	store.StatusOngoing:   {store.StatusCompleted},
}

func CanTransition(from, to store.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func invalid(from, to store.Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func Schedule(c store.Consultation) (store.Consultation, error) {
	if !CanTransition(c.Status, store.StatusScheduled) {
		return c, invalid(c.Status, store.StatusScheduled)
	}
	c.Status = store.StatusScheduled
	return c, nil
}

// Start moves a scheduled consultation to ongoing and stamps startedAt.
func Start(c store.Consultation, now time.Time) (store.Consultation, error) {
	if !CanTransition(c.Status, store.StatusOngoing) {
		return c, invalid(c.Status, store.StatusOngoing)
	}
	c.Status = store.StatusOngoing
	started := now
	c.StartedAt = &started
	return c, nil
}

// Complete ends an ongoing consultation. Duration is whole seconds since
// startedAt. A video consultation marks the call completed and unlocks chat;
// the chat flag is never cleared afterwards.
func Complete(c store.Consultation, now time.Time) (store.Consultation, error) {
	if !CanTransition(c.Status, store.StatusCompleted) {
		return c, invalid(c.Status, store.StatusCompleted)
	}
	c.Status = store.StatusCompleted
	completed := now
	c.CompletedAt = &completed

	var seconds int64
	if c.StartedAt != nil {
		seconds = int64(now.Sub(*c.StartedAt) / time.Second)
		if seconds < 0 {
			seconds = 0
		}
	}
	c.DurationSeconds = &seconds

	if c.Modality == store.ModalityVideo {
		c.VideoCallCompleted = true
		c.AllowedChat = true
	}
	return c, nil
}

// Cancel moves a not-yet-started consultation to cancelled and marks the
// charge as refunded. The caller must credit the account in the same unit of
// work when Refunded flips.
func Cancel(c store.Consultation) (store.Consultation, error) {
	if !CanTransition(c.Status, store.StatusCancelled) {
		return c, invalid(c.Status, store.StatusCancelled)
	}
	c.Status = store.StatusCancelled
	if c.CreditsCharged > 0 {
		c.Refunded = true
	}
	return c, nil
}
