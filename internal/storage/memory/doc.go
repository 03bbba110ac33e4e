// Package memory provides in-process implementations of the crawler stores,
// used by tests and by deployments without a database.
package memory
