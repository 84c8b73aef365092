// Package labels provides consistent labeling for the children of a CustomApp.
//
// Ownership labels use the per.naess domain prefix, the rest follow the
// app.kubernetes.io recommended labels.
package labels
