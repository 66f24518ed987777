package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"gmail-webhook-relay/internal/credential"
	"gmail-webhook-relay/internal/db"
	"gmail-webhook-relay/internal/repository"
)

var authCode string

// authCmd represents the auth command group
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the Gmail OAuth authorization",
}

var authURLCmd = &cobra.Command{
	Use:   "url",
	Short: "Print the Google consent page URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		fmt.Println("Open this URL in a browser and grant access:")
		fmt.Println(store.AuthCodeURL(uuid.NewString()))
		fmt.Println()
		fmt.Println("Then run: gmail-webhook-relay auth exchange --code <code>")
		return nil
	},
}

var authExchangeCmd = &cobra.Command{
	Use:   "exchange",
	Short: "Exchange an authorization code for a stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		tok, err := store.Exchange(ctx, authCode)
		if err != nil {
			return err
		}
		fmt.Printf("Authorization stored, token expires %s\n", tok.Expiry.Format(time.RFC3339))
		if tok.RefreshToken == "" {
			fmt.Fprintln(os.Stderr, "Warning: no refresh token was issued; revoke the app grant and authorize again")
		}
		return nil
	},
}

// authLoginCmd runs the consent flow interactively on a terminal
var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authorize interactively: open the URL, paste the code",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		fmt.Printf("Go to the following link in your browser: %v\n", store.AuthCodeURL(uuid.NewString()))
		fmt.Println("\nAfter authorization, you'll be redirected to a URL. Copy the 'code' parameter from that URL.")
		fmt.Print("\nEnter the authorization code: ")

		var code string
		if _, err := fmt.Fscan(cmd.InOrStdin(), &code); err != nil {
			return fmt.Errorf("failed to read authorization code: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		tok, err := store.Exchange(ctx, strings.TrimSpace(code))
		if err != nil {
			return err
		}
		fmt.Printf("\nAuthorization stored, token expires %s\n", tok.Expiry.Format(time.RFC3339))
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored authorization",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		status, err := store.Status(context.Background())
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var authResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the stored token and every watermark",
	Long: `Deletes the stored OAuth token and resets every watch config's scan
position. Restart a running server afterwards, or use POST /api/v1/auth/reset
against it instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := credential.Open(cfg.Gmail)
		if err != nil {
			return err
		}
		ctx := context.Background()
		if err := store.Invalidate(ctx); err != nil {
			return err
		}

		dbConn, err := db.Init(cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		repo, err := repository.New(dbConn)
		if err != nil {
			return err
		}
		if err := repo.ResetWatermarks(ctx); err != nil {
			return err
		}
		fmt.Println("Authorization and watermarks reset")
		return nil
	},
}

func openStore() (*credential.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return credential.Open(cfg.Gmail)
}

func init() {
	authExchangeCmd.Flags().StringVar(&authCode, "code", "", "authorization code from the consent page")
	authExchangeCmd.MarkFlagRequired("code")

	authCmd.AddCommand(authURLCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authExchangeCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authResetCmd)
}
