package db

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/portscan/internal/errors"
	"github.com/anstrom/portscan/internal/scanning"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &DB{DB: sqlx.NewDb(conn, "postgres")}, mock
}

func testReport() *scanning.ScanReport {
	unit := func(port int, p scanning.Protocol) scanning.ProbeUnit {
		return scanning.ProbeUnit{Host: "192.0.2.7", Port: port, Protocol: p}
	}
	return &scanning.ScanReport{
		ID:        uuid.MustParse("7a4c3e2e-1d0b-4f7c-9a57-0d6a7c9e1f21"),
		Host:      "scanme.test",
		Address:   "192.0.2.7",
		Ports:     scanning.PortRange{Start: 22, End: 23},
		Protocols: []scanning.Protocol{scanning.TCP, scanning.UDP},
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Duration:  1200 * time.Millisecond,
		Outcomes: []scanning.ProbeOutcome{
			{Unit: unit(22, scanning.TCP), Status: scanning.StatusOpen, Latency: 300 * time.Microsecond},
			{Unit: unit(22, scanning.UDP), Status: scanning.StatusOpenFiltered, Latency: time.Second},
			{Unit: unit(23, scanning.TCP), Status: scanning.StatusClosed, Latency: 200 * time.Microsecond},
			{Unit: unit(23, scanning.UDP), Status: scanning.StatusError, Detail: "probe failed: invalid argument"},
		},
	}
}

func TestReportRepository_Save(t *testing.T) {
	ctx := context.Background()
	report := testReport()

	t.Run("single transaction", func(t *testing.T) {
		db, mock := newMockDB(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO scan_reports").
			WithArgs(report.ID.String(), "scanme.test", "192.0.2.7", 22, 23, "{\"tcp\",\"udp\"}",
				report.StartedAt, int64(1200), nil, 1, 1, 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		prep := mock.ExpectPrepare("INSERT INTO probe_outcomes")
		prep.ExpectExec().
			WithArgs(report.ID.String(), 22, "tcp", "OPEN", int64(300), nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		prep.ExpectExec().
			WithArgs(report.ID.String(), 22, "udp", "OPEN|FILTERED", int64(1000000), nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		prep.ExpectExec().
			WithArgs(report.ID.String(), 23, "tcp", "CLOSED", int64(200), nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		prep.ExpectExec().
			WithArgs(report.ID.String(), 23, "udp", "ERROR", int64(0), "probe failed: invalid argument").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, NewReportRepository(db).Save(ctx, report))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on outcome failure", func(t *testing.T) {
		db, mock := newMockDB(t)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO scan_reports").WillReturnResult(sqlmock.NewResult(0, 1))
		prep := mock.ExpectPrepare("INSERT INTO probe_outcomes")
		prep.ExpectExec().WillReturnError(fmt.Errorf("disk full"))
		mock.ExpectRollback()

		err := NewReportRepository(db).Save(ctx, report)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeDatabaseQuery))
		assert.NotContains(t, err.Error(), "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("aborted reports keep their reason", func(t *testing.T) {
		db, mock := newMockDB(t)
		aborted := *report
		aborted.Outcomes = nil
		aborted.Aborted = "scan deadline exceeded"

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO scan_reports").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "scan deadline exceeded",
				0, 0, 0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectPrepare("INSERT INTO probe_outcomes")
		mock.ExpectCommit()

		require.NoError(t, NewReportRepository(db).Save(ctx, &aborted))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing id", func(t *testing.T) {
		db, _ := newMockDB(t)
		err := NewReportRepository(db).Save(ctx, &scanning.ScanReport{})
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})
}

var reportColumnNames = []string{
	"id", "host", "address", "port_start", "port_end", "protocols", "started_at",
	"duration_ms", "aborted", "open_count", "closed_count", "error_count", "created_at",
}

func TestReportRepository_List(t *testing.T) {
	db, mock := newMockDB(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	aborted := "scan cancelled"

	rows := sqlmock.NewRows(reportColumnNames).
		AddRow("7a4c3e2e-1d0b-4f7c-9a57-0d6a7c9e1f21", "scanme.test", "192.0.2.7", 22, 23, "{tcp,udp}",
			started, int64(1200), nil, 1, 1, 1, started).
		AddRow("0b9f6c1e-8d55-4d52-a3a9-3c1b3f6b2f10", "localhost", "127.0.0.1", 1, 1024, "{tcp}",
			started.Add(-time.Hour), int64(50), aborted, 0, 10, 1014, started)
	mock.ExpectQuery("SELECT (.+) FROM scan_reports ORDER BY started_at DESC LIMIT").
		WithArgs(DefaultListLimit).
		WillReturnRows(rows)

	summaries, err := NewReportRepository(db).List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, "scanme.test", summaries[0].Host)
	assert.Equal(t, "192.0.2.7", summaries[0].Address)
	assert.Equal(t, []scanning.Protocol{scanning.TCP, scanning.UDP}, summaries[0].Protocols)
	assert.Equal(t, 1200*time.Millisecond, summaries[0].Duration)
	assert.Empty(t, summaries[0].Aborted)

	assert.Equal(t, scanning.PortRange{Start: 1, End: 1024}, summaries[1].Ports)
	assert.Equal(t, "scan cancelled", summaries[1].Aborted)
	assert.Equal(t, 1014, summaries[1].Errors)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRepository_Get(t *testing.T) {
	id := uuid.MustParse("7a4c3e2e-1d0b-4f7c-9a57-0d6a7c9e1f21")
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery("SELECT (.+) FROM scan_reports WHERE id").
			WithArgs(id.String()).
			WillReturnRows(sqlmock.NewRows(reportColumnNames).
				AddRow(id.String(), "scanme.test", "192.0.2.7", 22, 22, "{tcp,udp}",
					started, int64(900), nil, 1, 0, 0, started))
		mock.ExpectQuery("SELECT (.+) FROM probe_outcomes WHERE report_id").
			WithArgs(id.String()).
			WillReturnRows(sqlmock.NewRows([]string{"report_id", "port", "protocol", "status", "latency_us", "detail"}).
				AddRow(id.String(), 22, "tcp", "OPEN", int64(300), nil).
				AddRow(id.String(), 22, "udp", "OPEN|FILTERED", int64(1000000), nil))

		report, err := NewReportRepository(db).Get(context.Background(), id)
		require.NoError(t, err)

		assert.Equal(t, id, report.ID)
		require.Len(t, report.Outcomes, 2)
		assert.Equal(t, scanning.ProbeUnit{Host: "192.0.2.7", Port: 22, Protocol: scanning.TCP}, report.Outcomes[0].Unit)
		assert.Equal(t, 300*time.Microsecond, report.Outcomes[0].Latency)
		assert.Equal(t, scanning.StatusOpenFiltered, report.Outcomes[1].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectQuery("SELECT (.+) FROM scan_reports WHERE id").
			WithArgs(id.String()).
			WillReturnRows(sqlmock.NewRows(reportColumnNames))

		_, err := NewReportRepository(db).Get(context.Background(), id)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIPAddr(t *testing.T) {
	var ip IPAddr
	require.NoError(t, ip.Scan("2001:db8::1"))
	assert.Equal(t, "2001:db8::1", ip.String())

	require.NoError(t, ip.Scan([]byte("10.0.0.1")))
	v, err := ip.Value()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", v)

	assert.Error(t, ip.Scan("not-an-ip"))
	assert.Error(t, ip.Scan(42))

	v, err = IPAddr{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, "", IPAddr{IP: net.IP(nil)}.String())
}
