// Package sqlgym is a text-to-SQL simulator over SQLite databases.
//
// Each catalog task names a database, a question and a gold query. Reset
// shows the schema and the question. The single step executes the submitted
// query; the reward is 1 when its result set matches the gold result set and
// the episode ends either way. Rendered results are cut at 100 characters.
package sqlgym
