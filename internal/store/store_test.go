package store

import (
	"testing"
	"time"

	"github.com/artemis/depupgrade/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoadState_RoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	state := &workflow.MigrationState{
		ID:          "mig-1",
		ProjectRoot: "/tmp/project",
		ProjectType: workflow.ProjectNode,
		Phase:       workflow.PhasePlanning,
		RetriesMax:  3,
		StartedAt:   time.Now(),
	}
	require.NoError(t, s.SaveState(state))

	loaded, err := s.LoadState("mig-1")
	require.NoError(t, err)
	assert.Equal(t, state.ID, loaded.ID)
	assert.Equal(t, state.Phase, loaded.Phase)
	assert.Equal(t, state.RetriesMax, loaded.RetriesMax)
}

func TestLoadState_UnknownMigration(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.LoadState("nonexistent")
	require.Error(t, err)
}

func TestAppendAndReadEvents_PreservesOrder(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, s.AppendEvent("mig-1", workflow.Event{
			MigrationID: "mig-1",
			Seq:         i,
			Kind:        workflow.EventPhaseEnter,
			TS:          time.Now(),
		}))
	}

	events, err := s.ReadEvents("mig-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(3), events[2].Seq)
}

func TestReadEvents_NoLogYieldsEmpty(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	events, err := s.ReadEvents("never-started")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestListMigrationIDs(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SaveState(&workflow.MigrationState{ID: "a"}))
	require.NoError(t, s.SaveState(&workflow.MigrationState{ID: "b"}))

	ids, err := s.ListMigrationIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestWriteReportIndex(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	paths, err := s.WriteReportIndex("mig-1")
	require.NoError(t, err)
	assert.Contains(t, paths.JSON, "report.json")
	assert.Contains(t, paths.MD, "report.md")
	assert.Contains(t, paths.HTML, "report.html")
}

func TestWriteStageLog(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.WriteStageLog("mig-1", "install", "npm install output"))
}
