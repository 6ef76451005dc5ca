// Package store holds the persistent visit store the automation engine writes
// to. The sqlite subpackage owns the schema and the writer; the ledger package
// reads the same file.
package store
