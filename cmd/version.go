package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/satya-market/access-go/internal/version"
	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := version.GetVersion()
		if versionJSON {
			return json.NewEncoder(os.Stdout).Encode(v)
		}
		fmt.Println(v)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print as json")
	rootCmd.AddCommand(versionCmd)
}
