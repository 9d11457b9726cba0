// Package storage opens the SQLite database, runs schema migrations and
// executes statements on connections borrowed from the pool.
package storage
