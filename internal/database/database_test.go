package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/doicache/internal/config"
)

func testDatabaseConfig() *config.DatabaseConfig {
	return &config.DatabaseConfig{
		Host:              "localhost",
		Port:              5432,
		User:              "doicache",
		Password:          "secret",
		Name:              "doicache",
		SSLMode:           "disable",
		MaxConns:          8,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   10 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    3 * time.Second,
	}
}

func TestPoolConfig(t *testing.T) {
	t.Run("applies pool settings", func(t *testing.T) {
		pc, err := PoolConfig(testDatabaseConfig())
		require.NoError(t, err)

		assert.Equal(t, int32(8), pc.MaxConns)
		assert.Equal(t, int32(1), pc.MinConns)
		assert.Equal(t, time.Hour, pc.MaxConnLifetime)
		assert.Equal(t, 10*time.Minute, pc.MaxConnIdleTime)
		assert.Equal(t, time.Minute, pc.HealthCheckPeriod)
		assert.Equal(t, 3*time.Second, pc.ConnConfig.ConnectTimeout)
		assert.Equal(t, "localhost", pc.ConnConfig.Host)
		assert.Equal(t, uint16(5432), pc.ConnConfig.Port)
		assert.Equal(t, "doicache", pc.ConnConfig.Database)
		assert.Equal(t, "secret", pc.ConnConfig.Password)
	})

	t.Run("zero values keep pgx defaults", func(t *testing.T) {
		cfg := testDatabaseConfig()
		cfg.MaxConns = 0
		cfg.MaxConnLifetime = 0

		pc, err := PoolConfig(cfg)
		require.NoError(t, err)
		assert.Positive(t, pc.MaxConns)
		assert.Positive(t, pc.MaxConnLifetime)
	})

	t.Run("invalid port", func(t *testing.T) {
		cfg := testDatabaseConfig()
		cfg.Port = -1
		_, err := PoolConfig(cfg)
		assert.Error(t, err)
	})
}

func TestNew_ConnectionError(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed port")
	}
	cfg := testDatabaseConfig()
	cfg.Port = 1
	cfg.ConnectTimeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := New(ctx, cfg, zerolog.Nop())
	assert.Error(t, err)
	assert.Nil(t, db)
}

func TestRunInTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectExec("UPDATE sweep_runs").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		err = RunInTx(ctx, mock, zerolog.Nop(), func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, "UPDATE sweep_runs SET status = 'completed'")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err = RunInTx(ctx, mock, zerolog.Nop(), func(pgx.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back and re-panics", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		assert.PanicsWithValue(t, "bad state", func() {
			_ = RunInTx(ctx, mock, zerolog.Nop(), func(pgx.Tx) error { panic("bad state") })
		})
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

		err = RunInTx(ctx, mock, zerolog.Nop(), func(pgx.Tx) error { return nil })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to begin transaction")
	})

	t.Run("commit failure", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

		err = RunInTx(ctx, mock, zerolog.Nop(), func(pgx.Tx) error { return nil })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to commit transaction")
	})
}
