// Package sources fetches desired state from where it lives.
//
// Stacks are pulled: a StackSource reports a revision identifier and loads
// the snapshot at that revision. Git sources track a branch of a bare clone,
// S3 sources hash the listed objects' ETags and local sources hash file
// contents. LocalSource also implements Watcher so edits trigger a sync
// without waiting for the interval.
//
// Queues are pushed: RedisQueue consumes a redis stream through a consumer
// group and MemoryQueue serves in-process publishers through a MemoryHub.
// Both redeliver messages that were received but never acknowledged.
package sources
