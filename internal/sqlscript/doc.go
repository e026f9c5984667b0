// Package sqlscript cuts SQL scripts into individual statements.
//
// Statements are produced lazily by an Iterator so callers can execute each
// one before the next is located. Every byte of the script is attributed to
// exactly one statement (leading whitespace and comments go to the statement
// that follows them, trailing ones to the last statement), which makes the
// raw lengths usable for byte-based progress accounting.
package sqlscript
