package canvas

// Logging convention in the `canvas` package, all through glog:
// Info:
//     abnormal events only. Silent on normal operation.
//     this includes:
//     - connect failures, missed heartbeats, reconnect attempts and exhaustion
//     - rejected deltas (malformed, unknown version, logical id collision)
//     - forced flushes from queue overflow and render quality changes
// Warning:
//     unexpected panics recovered in callbacks, with the stack
// V(1):
//     lifecycle events with ids that can be used to filter
//     - session state changes, room joins and leaves
//     - garbage collection and snapshot persistence summaries
// V(2):
//     per message trace. Tags:
//     [s] session send, [r] session receive, [t] transport connect,
//     [a] awareness, [v] virtualizer, [h] history, [render] render,
//     [room] room relay, [store] merge
