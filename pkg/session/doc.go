/*
Package session implements conversation management and persistence
orchestration.

It provides high-level abstractions for handling concurrent access to
conversation trackers across multiple replicas, integrating in-process
per-conversation locks with distributed locking and long-term storage
adapters.
*/
package session
