// Package provider defines the port that every cloud provider gateway must
// implement, the closed set of provider types and request handlers, and the
// registry through which the engine looks up configured provider instances.
package provider
