// Package metrics holds the Prometheus collectors for the sync core.
//
// A nil *Metrics is valid and records nothing, so components accept one
// optionally. New registers every collector on the given registerer;
// Handler serves a gatherer in the Prometheus text format.
package metrics
