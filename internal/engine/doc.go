// Package engine provides the per-process synthesis engine slot.
// A slot wraps one remote engine: it tracks the last-applied speaker,
// enforces single-flight on the engine's blocking operations, and issues
// speaker-switch and synthesis calls against the benchmark service.
package engine
