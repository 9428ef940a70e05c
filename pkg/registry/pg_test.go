package registry

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokovan-io/sokovan/pkg/resources"
	"github.com/sokovan-io/sokovan/pkg/types"
)

func newTestPG(t *testing.T) (*PG, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPGFromDB(sqlx.NewDb(db, "sqlmock"), nil, nil), mock
}

func agentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "addr", "scaling_group", "architecture", "available_slots",
		"occupied_slots", "container_count", "schedulable", "status", "last_heartbeat",
	})
}

func TestReserveAgentInsufficientCapacity(t *testing.T) {
	pg, mock := newTestPG(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM agents`).
		WithArgs("a1", "default").
		WillReturnRows(agentRows().AddRow(
			"a1", "10.0.0.1:6011", "default", "x86_64",
			[]byte(`{"cpu":"8","mem":"1024"}`), []byte(`{"cpu":"7","mem":"512"}`),
			3, true, "ALIVE", time.Now(),
		))
	mock.ExpectRollback()

	req := resources.NewSlots(map[resources.SlotName]int64{"cpu": 4})
	_, err := pg.ReserveAgent(context.Background(), "default", "a1", req)

	var insufficient *resources.InsufficientResourceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, resources.SlotName("cpu"), insufficient.Slot)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveAgentLost(t *testing.T) {
	pg, mock := newTestPG(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM agents`).
		WithArgs("gone", "default").
		WillReturnRows(agentRows())
	mock.ExpectRollback()

	req := resources.NewSlots(map[resources.SlotName]int64{"cpu": 1})
	_, err := pg.ReserveAgent(context.Background(), "default", "gone", req)

	var lost *types.AgentLostError
	require.ErrorAs(t, err, &lost)
	assert.Equal(t, "gone", lost.AgentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveAgentCommitsOccupancy(t *testing.T) {
	pg, mock := newTestPG(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM agents`).
		WithArgs("a1", "default").
		WillReturnRows(agentRows().AddRow(
			"a1", "10.0.0.1:6011", "default", "x86_64",
			[]byte(`{"cpu":"8"}`), []byte(`{"cpu":"2"}`),
			1, true, "ALIVE", time.Now(),
		))
	mock.ExpectExec(`UPDATE agents SET occupied_slots`).
		WithArgs("a1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req := resources.NewSlots(map[resources.SlotName]int64{"cpu": 4})
	alloc, err := pg.ReserveAgent(context.Background(), "default", "a1", req)
	require.NoError(t, err)
	assert.Equal(t, "a1", alloc.AgentID)
	assert.Equal(t, "10.0.0.1:6011", alloc.AgentAddr)
	assert.True(t, alloc.Allocated.LessOrEqual(req) && req.LessOrEqual(alloc.Allocated))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeSingleNodeSessionIsIdempotent(t *testing.T) {
	pg, mock := newTestPG(t)
	sessionID := uuid.New()

	// Already SCHEDULED by a previous commit; nothing else runs.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status, access_key, is_private FROM sessions`).
		WithArgs(sessionID).
		WillReturnRows(sqlmock.NewRows([]string{"status", "access_key", "is_private"}).
			AddRow("SCHEDULED", "AKIATEST", false))
	mock.ExpectCommit()

	alloc := AgentAllocCtx{AgentID: "a1", AgentAddr: "10.0.0.1:6011"}
	err := pg.FinalizeSingleNodeSession(context.Background(), sessionID, alloc)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSessionStatusMissingSession(t *testing.T) {
	pg, mock := newTestPG(t)
	sessionID := uuid.New()

	mock.ExpectExec(`UPDATE sessions`).
		WithArgs(sessionID, types.SessionScheduled, "scheduled").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := pg.MarkSessionStatus(context.Background(), sessionID, types.SessionScheduled, "scheduled")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanZombieRoutesReportsCount(t *testing.T) {
	pg, mock := newTestPG(t)

	mock.ExpectExec(`DELETE FROM routings`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := pg.CleanZombieRoutes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
