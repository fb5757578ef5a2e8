// Package store defines the disk-backed durable tier responsible for
// translating derived cache keys into StoragePath/<key> files. The store
// exposes exists/read/write primitives with safe semantics (temp file +
// rename) so an interrupted write never leaves a partial artifact behind.
// The cache coordinator depends on this package to promote in-memory
// artifacts into their canonical on-disk form without duplicating
// filesystem logic.
package store
