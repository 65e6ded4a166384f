package members

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/stake-plus/gatekeeper/src/GKApi/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&types.Application{}))
	return db
}

func TestOpenApplications(t *testing.T) {
	db := newTestDB(t)
	h := NewHandler(nil, db, "guild-1")

	for i, st := range []uint8{types.StatusPending, types.StatusArmedReject, types.StatusAccepted} {
		require.NoError(t, db.Create(&types.Application{
			SubmissionID: fmt.Sprintf("sub-%d", i),
			Applicant:    "alice",
			DiscordID:    "42",
			Status:       st,
		}).Error)
	}
	require.NoError(t, db.Create(&types.Application{
		SubmissionID: "sub-other",
		Applicant:    "bob",
		DiscordID:    "7",
		Status:       types.StatusPending,
	}).Error)

	open, err := h.openApplications("42")
	require.NoError(t, err)
	assert.EqualValues(t, 2, open)

	open, err = h.openApplications("7")
	require.NoError(t, err)
	assert.EqualValues(t, 1, open)

	open, err = h.openApplications("unknown")
	require.NoError(t, err)
	assert.Zero(t, open)
}

func TestOpenApplicationsSurfacesError(t *testing.T) {
	db := newTestDB(t)
	h := NewHandler(nil, db, "guild-1")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = h.openApplications("42")
	assert.Error(t, err)
}
