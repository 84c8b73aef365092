// Package commands defines the operator's command structure and flag bindings.
//
// Command execution is delegated to the handlers package.
package commands

import (
	"flag"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/imamik/customapp-operator/cmd/operator/handlers"
)

// run starts the operator; tests replace it.
var run = handlers.Run

// Root returns the root command, which runs the operator.
//
// Flags override the configuration file, which overrides the built-in
// defaults. CUSTOMAPP_* environment variables are applied between the file
// and the flags.
func Root() *cobra.Command {
	var (
		opts    handlers.Options
		zapOpts zap.Options
	)

	cmd := &cobra.Command{
		Use:   "customapp-operator",
		Short: "Reconcile CustomApp resources",
		Long: `Run the CustomApp operator.

The operator watches CustomApp resources and the ConfigMaps, Services and
Pods they own, and keeps the children in line with each app's spec.

Examples:
  # Run against the current kubeconfig context, all namespaces
  customapp-operator

  # Run with a configuration file and leader election
  customapp-operator --config /etc/customapp/config.yaml --leader-elect`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
			if cmd.Flags().Changed("leader-elect") {
				opts.LeaderElectSet = true
			}
			return run(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVarP(&opts.Namespace, "namespace", "n", "", "Only reconcile CustomApps in this namespace (default: all)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-bind-address", "", "The address the metric endpoint binds to (default :8080)")
	cmd.Flags().StringVar(&opts.ProbeAddr, "health-probe-bind-address", "", "The address the probe endpoint binds to (default :8081)")
	cmd.Flags().BoolVar(&opts.LeaderElect, "leader-elect", false, "Enable leader election so that only one replica reconciles")

	fs := flag.NewFlagSet("zap", flag.ContinueOnError)
	zapOpts.BindFlags(fs)
	cmd.Flags().AddGoFlagSet(fs)

	cmd.AddCommand(Version())

	return cmd
}
