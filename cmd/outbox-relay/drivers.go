package main

// database/sql drivers selectable with OUTBOX_DB_DRIVER.
import (
	_ "github.com/denisenkom/go-mssqldb" // sqlserver
	_ "github.com/go-sql-driver/mysql"   // mysql
	_ "github.com/jackc/pgx/v5/stdlib"   // pgx
	_ "github.com/lib/pq"                // postgres
	_ "github.com/sijms/go-ora/v2"       // oracle
)
