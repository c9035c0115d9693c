package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/pipewarden/internal/core/domain"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printBreakdown(out io.Writer, title string, b domain.CostBreakdown) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintf(w, "%s\ttotal=$%.4f\tentries=%d\terrors=%d\n", title, b.TotalUSD, b.Entries, b.Errors)
	for _, k := range sortedKeys(b.ByService) {
		_, _ = fmt.Fprintf(w, "  service\t%s\t$%.4f\n", k, b.ByService[k])
	}
	for _, k := range sortedKeys(b.ByStage) {
		_, _ = fmt.Fprintf(w, "  stage\t%s\t$%.4f\n", k, b.ByStage[k])
	}
	return w.Flush()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
