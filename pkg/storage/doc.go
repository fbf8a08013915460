// Package storage persists tasks, conversation history, usage
// accounting, scheduled jobs, and small KV state in BoltDB.
//
// Values are JSON-encoded. Time-ordered buckets (history, usage) use
// zero-padded epoch-nano keys so cursor walks double as range queries.
package storage
