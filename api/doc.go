/*
Package api defines the public contracts of the write-request coordination core.

The core sits between clients issuing writes and three asynchronous collaborators:

  - LogWriter: appends prepare and commit records to the local log and reports
    back through a Notifier (PrepareAcknowledged, LocallyCommitted, AlreadyCommitted,
    WrongExpectedVersion, InvalidTransaction, StreamDeleted).

  - Replication tracker: reports ReplicatedTo(position) whenever the quorum
    acknowledged position advances. A default implementation lives in
    `github.com/shrtyk/eventlog-core/replication`.

  - Indexer: reports IndexedTo(position) whenever the searchable index catches up.
    A default implementation lives in `github.com/shrtyk/eventlog-core/index`.

Every client command produces exactly one terminal Result delivered through its
Envelope, unless the node loses leadership while the command is in flight, in which
case no Result is delivered at all and the client is expected to retry against the
new leader.
*/
package api
