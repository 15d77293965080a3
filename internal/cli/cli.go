// Package cli is the autoreach command line.
//
//	autoreach run -c config.json        run the service
//	autoreach validate -c config.json   check a config file
//	autoreach ctl state|pause|resume|stop
//	autoreach ctl start -f request.json
//	autoreach ctl results <task>
//	autoreach ctl settings [-f patch.json] | settings reset
//	autoreach ctl logs [--limit N] | logs clear
//	autoreach ctl budget [reset]
//	autoreach ctl history clear
//	autoreach ctl groups|contacts|health|events
package cli

import (
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

func BuildCLI() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "autoreach",
		Short:         "Paced bulk group additions and bulk messaging",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "config file (json or yaml)")

	root.AddCommand(buildRunCommand(&cfgPath))
	root.AddCommand(buildValidateCommand(&cfgPath))
	root.AddCommand(buildCtlCommand())
	return root
}
