package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
)

// CreateKey mints an API key and prints the raw material, which is
// shown exactly once.
func CreateKey(ctx context.Context, client *Client, name string, out io.Writer) error {
	key, err := client.CreateAPIKey(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Created API key %q (%s)\n\n", key.Name, key.ID)
	fmt.Fprintf(out, "  %s\n\n", key.Key)
	fmt.Fprintln(out, "Store it now; it cannot be shown again.")
	return nil
}

// ListKeys prints the user's API keys.
func ListKeys(ctx context.Context, client *Client, out io.Writer) error {
	keys, err := client.ListAPIKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(out, "No API keys")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED\tLAST USED")
	for _, key := range keys {
		lastUsed := "never"
		if key.LastUsedAt != nil {
			lastUsed = RelativeTime(*key.LastUsedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", key.ID, key.Name, RelativeTime(key.CreatedAt), lastUsed)
	}
	return w.Flush()
}

// DeleteKey revokes an API key.
func DeleteKey(ctx context.Context, client *Client, id string, out io.Writer) error {
	if err := client.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted API key %s\n", id)
	return nil
}
