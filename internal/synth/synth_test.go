package synth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mpataki/foreman/internal/docstore"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/stretchr/testify/require"
)

func testSynth(t *testing.T) (*Synthesizer, *storage.Store, docstore.Store) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	docs := docstore.NewFileStore(filepath.Join(dir, "docs"))
	return New(store, docs), store, docs
}

func addMember(t *testing.T, store *storage.Store, docs docstore.Store, id, groupID string, status models.Status, output string) {
	t.Helper()
	rec := &models.ExecutionRecord{ID: id, Task: "task " + id, Status: status, GroupID: groupID}
	if output != "" {
		docID, err := docs.Save(output, docstore.Metadata{RecordID: id})
		require.NoError(t, err)
		rec.ResultDocID = docID
	}
	require.NoError(t, store.CreateRecord(rec))
}

func TestSynthesizeCombinesResults(t *testing.T) {
	t.Parallel()
	s, store, docs := testSynth(t)

	require.NoError(t, store.CreateGroup(&models.WorkspaceGroup{ID: "g1", FailureThreshold: 0.5}))
	addMember(t, store, docs, "m1", "g1", models.StatusCompleted, "first result")
	addMember(t, store, docs, "m2", "g1", models.StatusCompleted, "second result")

	docID, err := s.Synthesize(context.Background(), "g1")
	require.NoError(t, err)

	content, err := docs.Get(docID)
	require.NoError(t, err)
	require.Contains(t, content, "first result")
	require.Contains(t, content, "second result")

	group, err := store.GetGroup("g1")
	require.NoError(t, err)
	require.Equal(t, docID, group.ResultDocID)
}

func TestSynthesizeRejectsNonTerminalMember(t *testing.T) {
	t.Parallel()
	s, store, docs := testSynth(t)

	require.NoError(t, store.CreateGroup(&models.WorkspaceGroup{ID: "g1", FailureThreshold: 0.5}))
	addMember(t, store, docs, "m1", "g1", models.StatusCompleted, "done")
	addMember(t, store, docs, "m2", "g1", models.StatusCompleted, "done")
	addMember(t, store, docs, "m3", "g1", models.StatusRunning, "")

	_, err := s.Synthesize(context.Background(), "g1")
	require.ErrorIs(t, err, ErrNotTerminal)

	// No partial artifact was recorded.
	group, getErr := store.GetGroup("g1")
	require.NoError(t, getErr)
	require.Empty(t, group.ResultDocID)
}

func TestSynthesizeFailureThreshold(t *testing.T) {
	t.Parallel()
	s, store, docs := testSynth(t)

	require.NoError(t, store.CreateGroup(&models.WorkspaceGroup{ID: "g1", FailureThreshold: 0.5}))
	addMember(t, store, docs, "m1", "g1", models.StatusCompleted, "ok")
	addMember(t, store, docs, "m2", "g1", models.StatusFailed, "")
	addMember(t, store, docs, "m3", "g1", models.StatusTimedOut, "")

	// 2 of 3 failed > 0.5 threshold.
	_, err := s.Synthesize(context.Background(), "g1")
	require.ErrorIs(t, err, ErrPartialFailure)

	// Member records are untouched by a failed synthesis.
	m2, getErr := store.GetRecord("m2")
	require.NoError(t, getErr)
	require.Equal(t, models.StatusFailed, m2.Status)
}

func TestSynthesizeToleratesFailuresUnderThreshold(t *testing.T) {
	t.Parallel()
	s, store, docs := testSynth(t)

	require.NoError(t, store.CreateGroup(&models.WorkspaceGroup{ID: "g1", FailureThreshold: 0.5}))
	addMember(t, store, docs, "m1", "g1", models.StatusCompleted, "ok one")
	addMember(t, store, docs, "m2", "g1", models.StatusCompleted, "ok two")
	addMember(t, store, docs, "m3", "g1", models.StatusKilled, "")

	docID, err := s.Synthesize(context.Background(), "g1")
	require.NoError(t, err)

	content, err := docs.Get(docID)
	require.NoError(t, err)
	require.Contains(t, content, "ok one")
	require.Contains(t, content, "killed")
}

func TestSynthesizeUnknownGroup(t *testing.T) {
	t.Parallel()
	s, _, _ := testSynth(t)

	_, err := s.Synthesize(context.Background(), "missing")
	require.Error(t, err)
}
