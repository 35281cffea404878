// Package engine provides the provisioning orchestrator. It turns acquire
// and return demands into provider submissions, reconciles active requests
// against observed provider capacity on every poll, enforces the request
// timeout, and publishes status changes to subscribers.
package engine
