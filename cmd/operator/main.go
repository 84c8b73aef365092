// Package main is the entrypoint for the customapp-operator.
//
// The operator reconciles CustomApp resources into a content ConfigMap, an
// optional Service and a set of replica Pods, and purges the app's S3
// artifacts when it is deleted.
//
// For detailed usage information, run:
//
//	customapp-operator --help
package main

import (
	"fmt"
	"os"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/imamik/customapp-operator/cmd/operator/commands"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().ExecuteContext(ctrl.SetupSignalHandler()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
