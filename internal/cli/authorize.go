package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/auth"
)

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Obtain a refresh token for the configured provider",
	Long: `authorize prints the provider's consent URL, reads the authorization code
pasted back from the browser and prints the resulting refresh token. Store it
as google.refresh_token (GOOGLE_REFRESH_TOKEN) or outlook.refresh_token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(false)
		if err != nil {
			return err
		}
		creds := cfg.Credentials()
		if creds.ClientID == "" || creds.ClientSecret == "" {
			return fmt.Errorf("%s client id and secret: %w", cfg.Provider, auth.ErrMissingCredentials)
		}
		return authorize(cmd.Context(), auth.Config(cfg.AuthProvider(), creds), cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func authorize(ctx context.Context, oc *oauth2.Config, in io.Reader, out io.Writer) error {
	state := uuid.NewString()
	url := oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	fmt.Fprintf(out, "Authorize this app by visiting this url:\n%s\n\nEnter the code from that page here: ", url)

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("no authorization code entered")
	}

	tok, err := oc.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	if tok.RefreshToken == "" {
		return errors.New("provider returned no refresh token; revoke the app's access and try again")
	}

	fmt.Fprintf(out, "\nRefresh Token:\n%s\n", tok.RefreshToken)
	return nil
}
