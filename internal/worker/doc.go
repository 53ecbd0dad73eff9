// Package worker defines the contract every task executor implements, an
// embeddable Base that carries the capacity, history and performance
// bookkeeping shared by all executors, and the Registry the orchestrator
// queries to find capable workers with spare capacity.
package worker
