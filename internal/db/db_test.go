package db

import (
	"context"
	"errors"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func TestMigrate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		execErr error
		wantErr bool
	}{
		{name: "applies schema"},
		{name: "propagates exec error", execErr: errors.New("permission denied"), wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			if err != nil {
				t.Fatalf("failed to create pgx mock: %v", err)
			}
			defer mock.Close()

			exp := mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS voip`)
			if tc.execErr != nil {
				exp.WillReturnError(tc.execErr)
			} else {
				exp.WillReturnResult(pgxmock.NewResult("CREATE", 0))
			}

			err = Migrate(context.Background(), mock)
			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}
