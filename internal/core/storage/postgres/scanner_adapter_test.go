package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestScannerAdapter_Scan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"payload"}).
		AddRow([]byte(`{"region":"eu","amount":10}`)).
		AddRow([]byte(`{"region":"us","amount":3}`))
	mock.ExpectQuery(regexp.QuoteMeta(queryScanSourceRows)).
		WithArgs("orders").
		WillReturnRows(rows)

	var regions []string
	err = NewScannerAdapter(db).Scan(context.Background(), "orders", func(row map[string]any) error {
		regions = append(regions, row["region"].(string))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"eu", "us"}, regions)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScannerAdapter_CallbackErrorAborts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"payload"}).
		AddRow([]byte(`{"region":"eu"}`)).
		AddRow([]byte(`{"region":"us"}`))
	mock.ExpectQuery(regexp.QuoteMeta(queryScanSourceRows)).
		WithArgs("orders").
		WillReturnRows(rows)

	boom := errors.New("boom")
	seen := 0
	err = NewScannerAdapter(db).Scan(context.Background(), "orders", func(map[string]any) error {
		seen++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, seen)
}
