// Package services provides the service registry for cogflow.
//
// The registry bundles the long-lived components built at startup (task
// manager, escalation coordinator, validation gateway, audit recorder,
// action registry, content generator) so transports such as the REST
// server receive one value instead of a constructor per dependency.
package services
