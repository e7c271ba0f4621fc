// Package catalog loads environment tasks from disk.
//
// Tasks are JSON files laid out by kind and index:
//
//	<dir>/roadtrip/0.json
//	<dir>/sqlgym/0.json
//	<dir>/webnav/3.json
//
// The index is what callers pass as the reset target. The catalog only
// checks that a file is valid JSON; each simulator decodes its own task
// shape with LoadInto. Loaded tasks are cached until RefreshCache.
package catalog
