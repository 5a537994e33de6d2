// Package mysql holds the MySQL 8.0+ building blocks shared by the queue transports and the outbox store:
// table name parsing, connection setup, schema steps recorded through sql-migrate, error classification
// and the connection gate.
//
// The transports live in mysql/transport and the outbox storage in mysql/outboxstore.
package mysql
