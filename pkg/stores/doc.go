// Package stores persists the installed-state record and run history.
//
// SQLiteStore is the default backend. It keeps the record, every run with
// its per-package outcomes, and the lifecycle events published during the
// run, using WAL mode and embedded migrations. IniStore reads and writes
// the installed.ini layout of older agents.
package stores
