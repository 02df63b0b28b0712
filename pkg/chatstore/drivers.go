package chatstore

import (
	// Registers "pgx" for database.type: pgx.
	_ "github.com/jackc/pgx/v5/stdlib"
	// Registers "sqlite3" for database.type: sqlite3.
	_ "github.com/mattn/go-sqlite3"
)
