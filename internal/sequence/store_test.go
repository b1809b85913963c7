package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimWinsSingleRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	id := uuid.New()

	mock.ExpectExec(`UPDATE scheduled_work`).
		WithArgs(id, WorkInProgress, WorkPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := store.Claim(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, claimed)

	// The losing sweep matches zero rows: the status guard already moved.
	mock.ExpectExec(`UPDATE scheduled_work`).
		WithArgs(id, WorkInProgress, WorkPending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err = store.Claim(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, claimed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindEnrollmentNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	mock.ExpectQuery(`SELECT (.+) FROM sequence_enrollments`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = store.FindEnrollment(context.Background(), uuid.New(), uuid.New(), StatusActive)
	assert.ErrorIs(t, err, ErrEnrollmentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveTestNone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	mock.ExpectQuery(`SELECT (.+) FROM sequence_ab_tests`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	test, err := store.GetActiveTest(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, test, "no active test is not an error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveTestDecodesVariants(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	testID, templateID := uuid.New(), uuid.New()
	variants := `[{"id":"a","weight":2},{"id":"b","weight":1}]`

	mock.ExpectQuery(`SELECT (.+) FROM sequence_ab_tests`).
		WithArgs(templateID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "template_id", "status", "variants"}).
			AddRow(testID, templateID, "active", []byte(variants)))

	test, err := store.GetActiveTest(context.Background(), templateID)
	require.NoError(t, err)
	require.NotNil(t, test)
	require.Len(t, test.Variants, 2)
	assert.Equal(t, "a", test.Variants[0].ID)
	assert.Equal(t, 2.0, test.Variants[0].Weight)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateEnrollmentNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	mock.ExpectExec(`UPDATE sequence_enrollments`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.UpdateEnrollment(context.Background(), &Enrollment{ID: uuid.New(), Status: StatusActive})
	assert.ErrorIs(t, err, ErrEnrollmentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleActionInsertsPendingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	orgID, triggerID, eventID := uuid.New(), uuid.New(), uuid.New()
	dueAt := time.Now().Add(30 * time.Minute)

	mock.ExpectExec(`INSERT INTO scheduled_work`).
		WithArgs(sqlmock.AnyArg(), orgID, KindAction, triggerID, eventID, nil, dueAt, WorkPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.ScheduleAction(context.Background(), orgID, triggerID, eventID, nil, dueAt))
	assert.NoError(t, mock.ExpectationsWereMet())
}
