package mender

import (
	"testing"

	"github.com/cuemby/mender-agent/pkg/store"
	"github.com/cuemby/mender-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDeploymentRecordAbsentReturnsNilNil(t *testing.T) {
	rec, err := loadDeploymentRecord(store.NewMemStore())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSaveLoadClearDeploymentRecordRoundTrips(t *testing.T) {
	s := store.NewMemStore()
	rec := &types.DeploymentRecord{
		ID:           "dep-1",
		ArtifactName: "release-1.0",
		Types:        []types.PayloadRecord{{Type: "rootfs-image", State: types.StateDownload}},
	}

	require.NoError(t, saveDeploymentRecord(s, rec))

	loaded, err := loadDeploymentRecord(s)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, rec.ID, loaded.ID)
	assert.Equal(t, rec.ArtifactName, loaded.ArtifactName)
	assert.Equal(t, types.StateDownload, loaded.Types[0].State)

	require.NoError(t, clearDeploymentRecord(s))
	cleared, err := loadDeploymentRecord(s)
	require.NoError(t, err)
	assert.Nil(t, cleared)
}

func TestSetAllStateAdvancesEveryPayload(t *testing.T) {
	s := store.NewMemStore()
	rec := &types.DeploymentRecord{
		ID: "dep-2",
		Types: []types.PayloadRecord{
			{Type: "rootfs-image", State: types.StateDownload},
			{Type: "mender-configure", State: types.StateDownload},
		},
	}
	require.NoError(t, saveDeploymentRecord(s, rec))

	require.NoError(t, setAllState(s, rec, types.StateInstall))

	loaded, err := loadDeploymentRecord(s)
	require.NoError(t, err)
	for _, p := range loaded.Types {
		assert.Equal(t, types.StateInstall, p.State)
	}
	assert.True(t, loaded.AllInState(types.StateInstall))
}
