// Package synth combines the outputs of a completed dispatch group into one
// artifact.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mpataki/foreman/internal/docstore"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
)

var (
	// ErrNotTerminal means at least one group member is still Pending or
	// Running; synthesis produces no partial artifact.
	ErrNotTerminal = errors.New("group member not yet terminal")

	// ErrPartialFailure means too many members failed for the combined
	// artifact to be meaningful. Member records are left untouched.
	ErrPartialFailure = errors.New("too many group members failed")
)

type Synthesizer struct {
	store *storage.Store
	docs  docstore.Store
}

func New(store *storage.Store, docs docstore.Store) *Synthesizer {
	return &Synthesizer{store: store, docs: docs}
}

// Synthesize combines every member's result into one document and records the
// artifact on the group. Valid only once all members are terminal.
func (s *Synthesizer) Synthesize(ctx context.Context, groupID string) (string, error) {
	group, err := s.store.GetGroup(groupID)
	if err != nil {
		return "", fmt.Errorf("unknown group %s: %w", groupID, err)
	}

	members, err := s.store.GroupMembers(groupID)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", fmt.Errorf("group %s has no members", groupID)
	}

	if models.AggregateStatus(members) != models.GroupStatusComplete {
		for _, m := range members {
			if !m.Status.Terminal() {
				return "", fmt.Errorf("%w: %s is %s", ErrNotTerminal, m.ID, m.Status)
			}
		}
	}

	failed := 0
	for _, m := range members {
		if m.Status != models.StatusCompleted {
			failed++
		}
	}

	if frac := float64(failed) / float64(len(members)); frac > group.FailureThreshold {
		return "", fmt.Errorf("%w: %d of %d", ErrPartialFailure, failed, len(members))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Synthesis of %d delegated tasks\n\n", len(members))
	for i, m := range members {
		fmt.Fprintf(&b, "## Task %d: %s\n\nStatus: %s\n\n", i+1, m.Task, m.Status)
		if m.ResultDocID == "" {
			b.WriteString("(no captured output)\n\n")
			continue
		}
		content, err := s.docs.Get(m.ResultDocID)
		if err != nil {
			fmt.Fprintf(&b, "(result %s unavailable: %v)\n\n", m.ResultDocID, err)
			continue
		}
		b.WriteString(strings.TrimSpace(content) + "\n\n")
	}

	docID, err := s.docs.Save(b.String(), docstore.Metadata{
		Title:   fmt.Sprintf("synthesis %s", groupID),
		GroupID: groupID,
	})
	if err != nil {
		return "", err
	}

	group.ResultDocID = docID
	if err := s.store.UpdateGroup(group); err != nil {
		return "", err
	}
	return docID, nil
}
