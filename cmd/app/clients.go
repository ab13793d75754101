package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/3scale/ovpn-access-manager/pkg/operations"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// genOptions is the options for the gen command
type genOptions struct {
	pass           bool
	passphraseFile string
}

var genOpts genOptions

var genCmd = &cobra.Command{
	Use:     "gen <name>",
	Short:   "Generates a client certificate and its connection profile",
	Example: "ovpn-access-manager gen alice --pass",
	Args:    cobra.ExactArgs(1),
	RunE:    runGen,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <name>",
	Short: "Permanently revokes the certificate of a client",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(ctx context.Context, m *operations.Manager, args []string) error {
		crt, err := m.Revoke(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Client %s revoked (serial %s)\n", args[0], crt.SerialNumber)
		return nil
	}),
}

var suspendCmd = &cobra.Command{
	Use:   "suspend <name>",
	Short: "Blocks an active client from connecting",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(ctx context.Context, m *operations.Manager, args []string) error {
		if err := m.Suspend(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Client %s suspended\n", args[0])
		return nil
	}),
}

var unsuspendCmd = &cobra.Command{
	Use:   "unsuspend <name>",
	Short: "Lets a suspended client connect again",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(ctx context.Context, m *operations.Manager, args []string) error {
		if err := m.Unsuspend(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Client %s unsuspended\n", args[0])
		return nil
	}),
}

var blockedCmd = &cobra.Command{
	Use:   "blocked",
	Short: "Lists the suspended clients",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, m *operations.Manager, args []string) error {
		names, err := m.ListBlocked(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	}),
}

var statusCmd = &cobra.Command{
	Use:   "status <name>",
	Short: "Shows the state of a client",
	Args:  cobra.ExactArgs(1),
	RunE: withManager(func(ctx context.Context, m *operations.Manager, args []string) error {
		st, err := m.Status(ctx, args[0])
		if err != nil {
			return err
		}
		renderClients(os.Stdout, []operations.ClientStatus{*st})
		return nil
	}),
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Lists every client and its state",
	Args:  cobra.NoArgs,
	RunE: withManager(func(ctx context.Context, m *operations.Manager, args []string) error {
		clients, err := m.ListClients(ctx)
		if err != nil {
			return err
		}
		renderClients(os.Stdout, clients)
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(genCmd, revokeCmd, suspendCmd, unsuspendCmd, blockedCmd, statusCmd, listCmd)

	genCmd.Flags().BoolVar(&genOpts.pass, "pass", false, "Protect the private key with a passphrase read from the terminal")
	genCmd.Flags().StringVar(&genOpts.passphraseFile, "passphrase-file", "", "Protect the private key with the passphrase stored in this file")
}

// withManager builds the manager from the configuration and runs fn
func withManager(fn func(ctx context.Context, m *operations.Manager, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		m, err := newManager(logger)
		if err != nil {
			return err
		}
		return fn(cmd.Context(), m, args)
	}
}

func runGen(cmd *cobra.Command, args []string) error {
	var passphrase []byte
	var err error
	switch {
	case genOpts.passphraseFile != "":
		passphrase, err = readPassphraseFile(genOpts.passphraseFile)
	case genOpts.pass:
		passphrase, err = promptPassphrase(os.Stdin, os.Stderr)
	}
	if err != nil {
		return err
	}

	return withManager(func(ctx context.Context, m *operations.Manager, args []string) error {
		res, err := m.Generate(ctx, operations.GenerateRequest{Name: args[0], Passphrase: passphrase})
		if err != nil {
			return err
		}
		fmt.Printf("Client %s added, configuration is available at: %s\n", res.Name, res.ProfilePath)
		return nil
	})(cmd, args)
}

// promptPassphrase reads the passphrase twice from the terminal
func promptPassphrase(in *os.File, out io.Writer) ([]byte, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("--pass needs a terminal, use --passphrase-file instead")
	}
	fmt.Fprint(out, "Enter PEM pass phrase: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return nil, errors.Wrap(err, "reading passphrase")
	}
	fmt.Fprint(out, "Verifying - Enter PEM pass phrase: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return nil, errors.Wrap(err, "reading passphrase")
	}
	if len(first) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if !bytes.Equal(first, second) {
		return nil, errors.New("passphrases do not match")
	}
	return first, nil
}

func renderClients(w io.Writer, clients []operations.ClientStatus) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "State", "Serial", "Expires", "Revoked"})
	table.SetAutoWrapText(false)
	for _, c := range clients {
		expires, revoked := "", ""
		if c.NotAfter != nil {
			expires = c.NotAfter.Local().Format(time.RFC3339)
		}
		if c.RevokedAt != nil {
			revoked = c.RevokedAt.Local().Format(time.RFC3339)
		}
		table.Append([]string{c.Name, strings.ToUpper(string(c.State)), c.Serial, expires, revoked})
	}
	table.Render()
}
