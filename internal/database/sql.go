package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/npezzotti/go-dmrelay/internal/config"
)

type SqlDMRepository struct {
	conn   *sql.DB
	driver string
}

func NewSqlDMRepository(driver, dsn string) (*SqlDMRepository, error) {
	if driver != config.DriverPostgres && driver != config.DriverSqlite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if driver == config.DriverSqlite {
		// sqlite allows a single writer; serialize through one connection
		db.SetMaxOpenConns(1)
	}

	return &SqlDMRepository{conn: db, driver: driver}, nil
}

func (db *SqlDMRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *SqlDMRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
