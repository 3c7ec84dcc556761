package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/aria/internal/ui"
)

var topAddr string

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live dashboard of gateway connections and sessions",
	Run: func(cmd *cobra.Command, args []string) {
		if err := ui.Run(topAddr); err != nil {
			fmt.Printf("Dashboard error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	RootCmd.AddCommand(topCmd)
	topCmd.Flags().StringVar(&topAddr, "addr", "http://localhost:8420", "Gateway base URL")
}
