// Package services provides the centralized service registry for rund.
//
// Registry pattern for accessing all core services (store, ledger, queue,
// coordinator, workers, monitor, tools, artifacts, audit, idempotency).
// Use NewRegistry() to create a registry with service instances, then
// accessor methods to retrieve individual services.
package services
