package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
)

// PrintArtifacts lists a job's collected artifacts.
func PrintArtifacts(ctx context.Context, client *Client, jobID string, out io.Writer) error {
	artifacts, err := client.ListArtifacts(ctx, jobID)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		fmt.Fprintln(out, "No artifacts")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tDOWNLOAD")
	for _, a := range artifacts {
		url := a.DownloadURL
		if url == "" {
			url = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.Name, FormatBytes(a.SizeBytes), url)
	}
	return w.Flush()
}
