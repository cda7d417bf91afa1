// Package conversation implements owner/staff chat threads: one conversation per user,
// an append-only message log with read flags, and the HTTP endpoints over them.
//
// Every successful write is announced to the realtime room of its conversation
// through a Broadcaster. Delivery is best-effort and never affects the write.
package conversation
