package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"recall/internal/service"

	"github.com/spf13/cobra"
)

var (
	flagMax  int
	flagJSON bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the memory index from the terminal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		query := strings.Join(args, " ")
		resp, err := svc.Search(cmd.Context(), service.SearchRequest{
			Query:      query,
			MaxResults: flagMax,
		})
		if err != nil {
			return err
		}

		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(resp)
		}

		if resp.Count == 0 {
			fmt.Println(dimStyle.Render("No results for " + fmt.Sprintf("%q", query)))
			return nil
		}
		fmt.Println(titleStyle.Render(fmt.Sprintf("%d results for %q", resp.Count, query)))
		fmt.Println()
		for _, r := range resp.Results {
			header := fmt.Sprintf("%s:%d-%d", r.Path, r.StartLine, r.EndLine)
			fmt.Printf("%s %s %s\n",
				pathStyle.Render(header),
				scoreStyle.Render(fmt.Sprintf("%.3f", r.Score)),
				dimStyle.Render("("+r.Source+")"))
			snippet := r.Snippet
			if idx := strings.IndexByte(snippet, '\n'); idx >= 0 {
				snippet = snippet[:idx]
			}
			fmt.Println("  " + snippet)
			fmt.Println()
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVar(&flagMax, "max", 0, "maximum results (default derived from token budget)")
	searchCmd.Flags().BoolVar(&flagJSON, "json", false, "print raw JSON")
	rootCmd.AddCommand(searchCmd)
}
