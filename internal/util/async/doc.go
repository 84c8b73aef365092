// Package async runs independent startup checks concurrently.
//
// [RunParallel] starts every task, waits for all of them and reports every
// failure, so one slow or broken dependency does not hide the others.
package async
