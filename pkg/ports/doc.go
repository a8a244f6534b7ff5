/*
Package ports defines the driven ports (interfaces) for the Espalier engine.

These interfaces decouple the core logic from external implementations,
allowing the engine to work with various storage backends, lock providers and
text generators.

# Key Interfaces

  - TrackerStore: persists conversation trackers between turns.
  - DistributedLocker: distributed locking for concurrent access to one conversation.
  - Generator: external text generation for response-generation steps.
*/
package ports
