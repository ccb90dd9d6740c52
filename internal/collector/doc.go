// Package collector defines the shared data model, component interfaces, and
// error taxonomy of the sky-camera collection pipeline.
//
// Every other package depends on collector; collector depends on nothing in
// this module.
package collector
