package commands

import (
	"github.com/spf13/cobra"

	"github.com/anchornet/anchord/src/config"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for Anchord
var RootCmd = &cobra.Command{
	Use:              "anchord",
	Short:            "anchord hash anchoring node",
	TraverseChildren: true,
}
