package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	nativesvc "github.com/axondata/go-nativesvc"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the library version",
	Run: func(cmd *cobra.Command, _ []string) {
		v := nativesvc.GetVersion()
		fmt.Fprintf(cmd.OutOrStdout(), "svcsupervise %s (%s)\n", v.Version, strings.Join(v.Facilities, ", "))
	},
}
