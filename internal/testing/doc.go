// Package testing provides test utilities, builders, and fixtures for unit and integration tests.
//
// This package centralizes common testing patterns to avoid duplication across test files:
//   - AppBuilder: Fluent builder for CustomApp objects
//   - NewPlane: In-memory control plane serving the operator's kinds
//   - MockArtifactStore: Shared mock for object storage cleanup
//
// Usage:
//
//	app := testing.NewAppBuilder("blog").
//	    WithReplicas(3).
//	    WithPort(8080).
//	    Build()
//
//	plane := testing.NewPlane(t, app)
package testing
