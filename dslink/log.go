package dslink

// Logging convention in the `dslink` package, all through glog:
// Info:
//     abnormal events. Silent on normal operation except one time initialization data
//     this includes:
//     - handshake failures and reconnect delays
//     - disconnects and protocol violations
//     - recovered panics in callbacks and action handlers
// V(1):
//     lifecycle events with ids that can be used to filter
//     - connection attempts, state transitions, stream open/close
// V(2):
//     per message traces - sent and received envelopes, queue flushes
//
// Each component prefixes its lines with a short tag:
//     [h] handshake  [c] connector  [q] queue  [l] link
//     [rs] responder  [rq] requester  [n] node persistence
