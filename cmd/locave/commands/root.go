package commands

import (
	"github.com/locavenet/locave/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for LoCave
var RootCmd = &cobra.Command{
	Use:              "locave",
	Short:            "locave base station",
	TraverseChildren: true,
}
