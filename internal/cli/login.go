package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/alloyhq/alloy/internal/config"
)

// Login prompts for credentials, exchanges them for a token, and
// saves it to the CLI config.
func Login(ctx context.Context, serverURL string, register bool, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Server: %s\n", serverURL)

	fmt.Fprint(out, "Email: ")
	reader := bufio.NewReader(in)
	email, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read email: %w", err)
	}
	email = strings.TrimSpace(email)

	password, err := readPassword(out)
	if err != nil {
		return err
	}

	client := NewClient(serverURL, "")
	var token string
	if register {
		token, err = client.Register(ctx, email, password)
	} else {
		token, err = client.Login(ctx, email, password)
	}
	if err != nil {
		return err
	}

	if err := config.SaveCLI(&config.CLI{ServerURL: serverURL, Token: token}); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	fmt.Fprintf(out, "Logged in as %s\n", email)
	return nil
}

// readPassword reads without echo when stdin is a terminal.
func readPassword(out io.Writer) (string, error) {
	fmt.Fprint(out, "Password: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(data), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}
