// Package livedb provides incrementally maintained in-memory tables.
//
// # Overview
//
// [Table] holds a set of records identified by a [Finder]. Filtered and
// sorted projections ([View]), aggregations ([Reducer]) and key bindings
// ([Relation]) are derived from it lazily, memoized in a registry owned by the
// table, and kept consistent on every [Table.Set], [Table.Add] and
// [Table.DelBy] without full recomputation.
//
// # Propagation
//
// A mutation updates the table itself first, then every registered
// derivation in registration order, before returning. Subscribers of each
// derivation are notified as soon as it is up to date. Nothing is deferred
// and nothing runs concurrently: a table and everything derived from it are
// owned by a single goroutine.
//
// # Aggregation
//
// A [Mapper] calls tools on [Tools] for each record. Each call-site keeps its
// own [Hook], addressed by its invocation path: the group nesting created by
// [Tools.At], the ordinal of the call within the mapper and the tool name.
// Upserting a record retracts its previous contributions before applying the
// new ones.
//
// # Purity
//
// Finders, predicates, orderings, key extractors and mappers must be pure and
// total. Labels drive memoization: two functions meant to be identical must
// share a label.
package livedb
