// Package naming derives the names of the objects a CustomApp owns.
package naming
