package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/sheets/v4"
)

// newSheetsAuthCmd runs the one-time OAuth consent flow and stores the token
// the worker uses to push share-out reports.
func newSheetsAuthCmd(a *app) *cobra.Command {
	var (
		port    string
		outFile string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sheets-auth",
		Short: "Authorize Google Sheets access and save the OAuth token",
		Long: `sheets-auth prints a consent URL and waits on a local callback for the
authorization code. Add http://localhost:<port>/callback to the OAuth client's
authorized redirect URIs first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var clientJSON []byte
			switch {
			case a.cfg.GoogleOAuthClientJSON != "":
				clientJSON = []byte(a.cfg.GoogleOAuthClientJSON)
			case a.cfg.GoogleOAuthClientFile != "":
				b, err := os.ReadFile(a.cfg.GoogleOAuthClientFile)
				if err != nil {
					return fmt.Errorf("read client file: %w", err)
				}
				clientJSON = b
			default:
				return errors.New("set GOOGLE_OAUTH_CLIENT_JSON or GOOGLE_OAUTH_CLIENT_FILE")
			}

			oc, err := google.ConfigFromJSON(clientJSON, sheets.SpreadsheetsScope)
			if err != nil {
				return fmt.Errorf("oauth config: %w", err)
			}
			oc.RedirectURL = "http://localhost:" + port + "/callback"

			if outFile == "" {
				outFile = a.cfg.GoogleOAuthTokenFile
			}
			if outFile == "" {
				outFile = "token.json"
			}

			code, err := awaitCode(cmd.Context(), oc, port, timeout, a)
			if err != nil {
				return err
			}
			tok, err := oc.Exchange(cmd.Context(), code)
			if err != nil {
				return fmt.Errorf("token exchange: %w", err)
			}

			f, err := os.OpenFile(outFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
			if err != nil {
				return fmt.Errorf("open token file: %w", err)
			}
			defer f.Close()
			if err := json.NewEncoder(f).Encode(tok); err != nil {
				return fmt.Errorf("write token: %w", err)
			}
			fmt.Fprintf(a.out, "Saved token to %s\n", outFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&port, "port", "8085", "Local port for the OAuth redirect")
	cmd.Flags().StringVar(&outFile, "out", "", "Token file (default GOOGLE_OAUTH_TOKEN_FILE or token.json)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait for consent")
	return cmd
}

func awaitCode(ctx context.Context, oc *oauth2.Config, port string, timeout time.Duration, a *app) (string, error) {
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		if e := r.URL.Query().Get("error"); e != "" {
			http.Error(w, "OAuth error: "+e, http.StatusBadRequest)
			errCh <- fmt.Errorf("authorization denied: %s", e)
			return
		}
		fmt.Fprintln(w, "You may close this window and return to the terminal.")
		codeCh <- r.URL.Query().Get("code")
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("callback server: %w", err)
		}
	}()
	defer srv.Close()

	fmt.Fprintf(a.out, "Open this URL to authorize:\n%s\n", oc.AuthCodeURL("vsla-sheets", oauth2.AccessTypeOffline))

	select {
	case code := <-codeCh:
		return code, nil
	case err := <-errCh:
		return "", err
	case <-time.After(timeout):
		return "", errors.New("authorization timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
