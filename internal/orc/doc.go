// Package orc defines the shared vocabulary of the run orchestration engine:
// the Run/Task/Step entity model, the lifecycle state machine, the error
// taxonomy, executor outcomes, and queue priority classes.
//
// The package is dependency-free on purpose. Every other package in rund
// (store, ledger, queue, engine, server) speaks these types; keeping them
// here avoids import cycles between the coordinator and its collaborators.
package orc
