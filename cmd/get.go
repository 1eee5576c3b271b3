package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	flagFrom  int
	flagLines int
)

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Print a memory file, or a line range of it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		res := svc.Get(args[0], flagFrom, flagLines)
		if res.Error != "" {
			return errors.New(res.Error)
		}
		fmt.Println(res.Text)
		return nil
	},
}

func init() {
	getCmd.Flags().IntVar(&flagFrom, "from", 0, "first line (1-based)")
	getCmd.Flags().IntVar(&flagLines, "lines", 0, "number of lines")
	rootCmd.AddCommand(getCmd)
}
