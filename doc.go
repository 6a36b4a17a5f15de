/*
Package skvar implements persistent variables for an embedded scripting host.

A variable is addressed by a Path: a root name followed by any number of
integer or string keys, written as "players::3::score". Values are scalars
(bool, int64, float64, string, []byte) or Lists holding more variables.

# Lists

A List adapts its representation to its contents. It starts as a dense
array, becomes a small insertion-ordered list on the first string key, gap or
middle removal, and turns into a hash map once it outgrows SmallListLimit.
Representations only move forward.

# Scopes

A Scope owns the root variables and the trees below them. Setting a deep
path creates missing lists; setting nil deletes a variable and prunes
ancestors left empty. Local contexts hold per-invocation variables that are
never persisted.

Paths remember the list that held their last key, so repeated access to the
same Path object skips the walk from the root. The hint is dropped whenever
any list is detached from the scope.

# Storage

Storages attached to a Scope receive every change of a global variable and
load variables on demand. See package skdb for the file-backed journaled
store and package boltstore for a bbolt-backed one.
*/
package skvar
