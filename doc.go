// The [couchlike] package presents one document store contract over several
// CouchDB-like backends.
//
// # Engines
//
// There are 3 engines, selected by the configured type:
//
//   - couchDB talks to Apache CouchDB over HTTP.
//   - pouchDB (or local) runs an embedded store, see [github.com/couchlike/couchlike.go/pkg/localstore].
//   - couchbaseSyncGateway talks to Couchbase Sync Gateway over HTTP and websockets and,
//     when a direct host is configured, reads documents and views straight from the bucket.
//
// Leave the type empty to detect it at runtime: the server greeting is read
// and cached for connection.Config.HeartbeatTTL. A greeting naming the
// Couchbase vendor selects the gateway engine, anything else CouchDB.
//
// # Documents
//
// Documents are models.Document maps carrying `_id` and `_rev`. [DB.Get]
// returns a nil document, not an error, when the document does not exist on
// any engine. Writes are optimistic: [DB.Set] fails with an error matching
// constants.ErrConcurrencyConflict when `_rev` is stale, and [DB.Force]
// stores the revision as given, which is how conflicts get introduced.
//
// # Views and change feeds
//
// [DB.Views] keeps design documents in sync with map functions without
// rewriting unchanged views. [DB.Changes] follows the change feed and
// delivers events on channels, routing documents in conflict to a separate
// channel when asked to.
package couchlike
