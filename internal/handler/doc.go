// Package handler defines the common interface that all task kind handlers
// (shell commands, HTTP calls) must implement, along with the domain types
// exchanged between the execution engine and handler implementations.
package handler
