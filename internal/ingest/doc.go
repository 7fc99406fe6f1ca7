// Package ingest defines core types shared across subsystems.
package ingest
