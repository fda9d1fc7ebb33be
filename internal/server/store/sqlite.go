package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (creating if needed) the SQLite result store at path
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*Store, error) {
	return newStore(ctx, dialectSQLite, sqliteConnector(path), opts...)
}

func sqliteConnector(path string) Connector {
	return func(ctx context.Context) (*sql.DB, func(), error) {
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		// One connection keeps pragmas in effect and serializes writers
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connecting to sqlite: %w", err)
		}

		for _, pragma := range allPragmas() {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("setting pragma: %w", err)
			}
		}

		return db, nil, nil
	}
}
