// Package offline owns connectivity state and the offline send queue.
//
// # State machine
//
//	connected --SetOnline(false)--> disconnected --SetOnline(true)--> reconnecting --flush--> connected
//
// Transitions are driven by the environment through SetOnline; nothing is
// polled. While the state is anything but connected, sends go to Queue.
//
// # Flushing
//
// After the settle delay in reconnecting, every queued entry is marked
// sending and handed to the DeliverFunc one at a time, in queue order.
// Delivered entries are removed. When delivery fails, that entry and every
// later entry of the pass are marked failed and wait for Retry. Going offline
// mid-flush returns undelivered entries to queued.
//
// # Persistence
//
// With a QueueStore the queue survives restarts. Entries restored in the
// sending state were interrupted mid-flush and come back as failed.
package offline
