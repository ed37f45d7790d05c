package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/theory/jsonpath"
)

// printer handles table or JSON output, optionally filtered through a
// JSONPath query. Grounded on cmd/gastrolog/cli/output.go's tabwriter-based
// printer, generalized with a --query flag wired to theory/jsonpath.
type printer struct {
	format string
	query  string
	w      io.Writer
}

func newPrinter(cmd *cobra.Command) *printer {
	format, _ := cmd.Flags().GetString("output")
	query, _ := cmd.Flags().GetString("query")
	return &printer{format: format, query: query, w: os.Stdout}
}

// json marshals v as indented JSON, applying --query first when set.
func (p *printer) json(v any) error {
	if p.query != "" {
		filtered, err := applyQuery(p.query, v)
		if err != nil {
			return fmt.Errorf("apply query %q: %w", p.query, err)
		}
		v = filtered
	}
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// applyQuery round-trips v through JSON so jsonpath.Select sees plain
// map[string]any/[]any values, then selects the matching nodes.
func applyQuery(query string, v any) (any, error) {
	path, err := jsonpath.Parse(query)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return path.Select(generic), nil
}

// table writes rows using tabwriter. header is the first row. Ignores
// --query, which only applies to JSON output.
func (p *printer) table(header []string, rows [][]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for i, h := range header {
		if i > 0 {
			_, _ = fmt.Fprint(tw, "\t")
		}
		_, _ = fmt.Fprint(tw, h)
	}
	_, _ = fmt.Fprintln(tw)
	for _, row := range rows {
		for i, col := range row {
			if i > 0 {
				_, _ = fmt.Fprint(tw, "\t")
			}
			_, _ = fmt.Fprint(tw, col)
		}
		_, _ = fmt.Fprintln(tw)
	}
	_ = tw.Flush()
}

// kv prints a key-value detail view.
func (p *printer) kv(pairs [][2]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for _, pair := range pairs {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", pair[0], pair[1])
	}
	_ = tw.Flush()
}

// emit chooses table vs JSON output based on the --output flag.
func (p *printer) emit(v any, header []string, rows [][]string) error {
	if p.format == "json" {
		return p.json(v)
	}
	p.table(header, rows)
	return nil
}
