package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otherjamesbrown/lexireport/credentials"
)

// CredentialStore is the part of credentials.Store the commands use.
type CredentialStore interface {
	Set(capability string, tok credentials.Token) error
	Get(capability string) (*credentials.Token, error)
	Delete(capability string) error
	List() ([]string, error)
	Rotate() error
	RotateCapability(capability string) (int, error)
	KeySource() string
}

// CredentialsCommandDeps holds the dependencies for credential commands.
type CredentialsCommandDeps struct {
	OpenStore func() (CredentialStore, error)
	// ReadSecret reads a token without echo. Defaults to the terminal.
	ReadSecret func(prompt string) (string, error)
}

// DefaultCredentialsDeps returns the default dependencies for production use.
func DefaultCredentialsDeps() *CredentialsCommandDeps {
	return &CredentialsCommandDeps{
		OpenStore: func() (CredentialStore, error) {
			return credentials.NewStore()
		},
		ReadSecret: readSecret,
	}
}

// NewCredentialsCommand creates the credentials command group.
func NewCredentialsCommand(deps *CredentialsCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultCredentialsDeps()
	}
	if deps.ReadSecret == nil {
		deps.ReadSecret = readSecret
	}

	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage capability endpoint tokens",
		Long: `Manage the bearer tokens workers send to capability endpoints.

Tokens are stored in ~/.lexireport/credentials.yaml encrypted with AES-GCM. The
key lives in the system keyring, or in LEXIREPORT_ENCRYPTION_KEY where no
keyring is available. A capability only sends its token when auth: true is
set in its capabilities entry.

The variable LEXIREPORT_TOKEN_<CAPABILITY> overrides the stored token, for
example LEXIREPORT_TOKEN_SUMMARIZATION.

Examples:
  lexireport credentials set summarization
  lexireport credentials set classification --token sk-... --expires 720h
  lexireport credentials list
  lexireport credentials delete summarization
  lexireport credentials rotate
  lexireport credentials rotate summarization`,
	}

	cmd.AddCommand(newCredentialsSetCommand(deps))
	cmd.AddCommand(newCredentialsListCommand(deps))
	cmd.AddCommand(newCredentialsDeleteCommand(deps))
	cmd.AddCommand(newCredentialsRotateCommand(deps))
	return cmd
}

func newCredentialsSetCommand(deps *CredentialsCommandDeps) *cobra.Command {
	var (
		token    string
		endpoint string
		expires  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "set <capability>",
		Short: "Store the token for a capability",
		Long: `Store the bearer token for a capability, replacing any existing one.

Without --token the token is read from the terminal without echo, or from
stdin when stdin is not a terminal.

Examples:
  lexireport credentials set summarization
  echo "$TOKEN" | lexireport credentials set summarization
  lexireport credentials set narration --token sk-... --expires 24h`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			capability := args[0]
			if token == "" {
				var err error
				token, err = deps.ReadSecret(fmt.Sprintf("Token for %s: ", capability))
				if err != nil {
					return fmt.Errorf("reading token: %w", err)
				}
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("token is empty")
			}

			store, err := deps.OpenStore()
			if err != nil {
				return fmt.Errorf("opening credential store: %w", err)
			}

			tok := credentials.Token{Value: token, Endpoint: endpoint}
			if expires > 0 {
				tok.ExpiresAt = time.Now().Add(expires)
			}
			if err := store.Set(capability, tok); err != nil {
				return fmt.Errorf("storing token: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Stored token for %s (%s).\n", capability, credentials.MaskToken(token))
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Token value (prompted when empty)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Endpoint the token was issued for (informational)")
	cmd.Flags().DurationVar(&expires, "expires", 0, "Token lifetime, e.g. 720h")
	return cmd
}

func newCredentialsListCommand(deps *CredentialsCommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored tokens",
		Long: `List the capabilities that have a stored token, with a masked value,
a fingerprint and the expiry. Environment overrides are flagged.

Examples:
  lexireport credentials list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.OpenStore()
			if err != nil {
				return fmt.Errorf("opening credential store: %w", err)
			}
			names, err := store.List()
			if err != nil {
				return fmt.Errorf("listing tokens: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Key source: %s\n\n", store.KeySource())
			if len(names) == 0 {
				fmt.Fprintln(out, "No tokens stored.")
				return nil
			}

			fmt.Fprintf(out, "%-20s %-16s %-18s %-22s %s\n", "CAPABILITY", "TOKEN", "FINGERPRINT", "EXPIRES", "OVERRIDE")
			for _, name := range names {
				tok, err := store.Get(name)
				if err != nil {
					fmt.Fprintf(out, "%-20s error: %v\n", name, err)
					continue
				}
				override := ""
				if os.Getenv(credentials.EnvVar(name)) != "" {
					override = credentials.EnvVar(name)
				}
				fmt.Fprintf(out, "%-20s %-16s %-18s %-22s %s\n",
					name, credentials.MaskToken(tok.Value), credentials.Fingerprint(tok.Value), credentials.FormatExpiry(tok.ExpiresAt), override)
			}
			return nil
		},
	}
}

func newCredentialsDeleteCommand(deps *CredentialsCommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <capability>",
		Aliases: []string{"rm"},
		Short:   "Delete the token for a capability",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.OpenStore()
			if err != nil {
				return fmt.Errorf("opening credential store: %w", err)
			}
			if err := store.Delete(args[0]); err != nil {
				return fmt.Errorf("deleting token: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted token for %s.\n", args[0])
			return nil
		},
	}
}

func newCredentialsRotateCommand(deps *CredentialsCommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate [capability]",
		Short: "Re-encrypt stored tokens with new keys",
		Long: `Without arguments, generate a new master key and re-encrypt every stored
token with it. When the master key comes from LEXIREPORT_ENCRYPTION_KEY it
cannot be replaced here; change the variable and set the tokens again.

With a capability, move only that capability's token to its next key
generation. This works with any key source.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.OpenStore()
			if err != nil {
				return fmt.Errorf("opening credential store: %w", err)
			}
			if len(args) == 1 {
				gen, err := store.RotateCapability(args[0])
				if err != nil {
					return fmt.Errorf("rotating %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Re-encrypted token for %s with key generation %d.\n", args[0], gen)
				return nil
			}
			if err := store.Rotate(); err != nil {
				return fmt.Errorf("rotating key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Re-encrypted tokens with a new key (%s).\n", store.KeySource())
			return nil
		},
	}
}

// readSecret reads a line without echo when stdin is a terminal.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return line, nil
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
