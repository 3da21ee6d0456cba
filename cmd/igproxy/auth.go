package main

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

	"igproxy/pkg/auth"
)

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the Instagram session used for upstream requests",
	Long: `Manage stored Instagram sessions.

Sessions are stored using:
  - System keychain (when available)
  - Encrypted file with PBKDF2 key derivation
  - Environment variables (IGPROXY_SESSION_ID, IGPROXY_CSRF_TOKEN)

Never share your session cookies or config files!`,
}

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Store an Instagram session securely",
	Long:  "Store an Instagram session securely.\n\n" + auth.LoginHelp,
	Example: `  # Interactive login
  igproxy auth login

  # Login with username
  igproxy auth login gateway_bot`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout <username>",
	Short: "Remove a stored session",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogout,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions with masked cookie values",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(loginCmd)
	authCmd.AddCommand(logoutCmd)
	authCmd.AddCommand(listCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager("")
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}

	out := cmd.OutOrStdout()
	reader := bufio.NewReader(cmd.InOrStdin())

	fmt.Fprintln(out, auth.LoginHelp)
	fmt.Fprintln(out)

	var username string
	if len(args) > 0 {
		username = args[0]
	} else {
		fmt.Fprint(out, "Instagram username: ")
		username, err = readLine(reader)
		if err != nil {
			return fmt.Errorf("failed to read username: %w", err)
		}
	}
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return errors.New("username is required")
	}

	if existing, _ := manager.Retrieve(username); existing != nil {
		fmt.Fprintf(out, "Account '%s' already exists. Update it? (y/N): ", username)
		answer, _ := readLine(reader)
		if !strings.HasPrefix(strings.ToLower(answer), "y") {
			return nil
		}
	}

	fmt.Fprint(out, "sessionid cookie value: ")
	sessionID, err := readSecret(reader, out)
	if err != nil {
		return fmt.Errorf("failed to read session ID: %w", err)
	}
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	fmt.Fprint(out, "csrftoken cookie value: ")
	csrfToken, err := readSecret(reader, out)
	if err != nil {
		return fmt.Errorf("failed to read CSRF token: %w", err)
	}
	if err := validateCSRFToken(csrfToken); err != nil {
		return err
	}

	fmt.Fprint(out, "User agent (press Enter for default): ")
	userAgent, _ := readLine(reader)

	account := &auth.Account{
		Username:     username,
		SessionID:    sessionID,
		CSRFToken:    csrfToken,
		UserAgent:    userAgent,
		LastModified: time.Now(),
	}
	if err := manager.Store(account); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}

	fmt.Fprintf(out, "\nSession for '%s' stored.\n", username)
	fmt.Fprintf(out, "Start the gateway with it:\n  igproxy serve --account %s\n", username)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager("")
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}

	username := strings.TrimPrefix(args[0], "@")
	if err := manager.Delete(username); err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Account removed: %s\n", username)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	manager, err := auth.NewManager("")
	if err != nil {
		return fmt.Errorf("failed to initialize credential manager: %w", err)
	}

	accounts, err := manager.List()
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(accounts) == 0 {
		fmt.Fprintln(out, "No stored accounts. Use 'igproxy auth login' to add one.")
		return nil
	}

	for i, account := range accounts {
		sanitized := auth.SanitizeAccount(account)
		fmt.Fprintf(out, "%d. Username: %s\n", i+1, sanitized.Username)
		fmt.Fprintf(out, "   Session ID: %s\n", sanitized.SessionID)
		fmt.Fprintf(out, "   CSRF Token: %s\n", sanitized.CSRFToken)
		if sanitized.UserAgent != "" {
			fmt.Fprintf(out, "   User Agent: %s\n", sanitized.UserAgent)
		}
		fmt.Fprintf(out, "   Last Modified: %s\n", sanitized.LastModified.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// validateSessionID rejects values that are clearly not a sessionid cookie,
// which is a long URL-encoded string such as 12345678%3Aabcdef%3A26%3A...
func validateSessionID(v string) error {
	if len(v) < 20 || !strings.Contains(v, "%") {
		return errors.New("that doesn't look like a valid sessionid cookie")
	}
	return nil
}

// validateCSRFToken expects the usual 32 character csrftoken
func validateCSRFToken(v string) error {
	if len(v) < 20 || len(v) > 64 {
		return errors.New("that doesn't look like a valid csrftoken cookie")
	}
	return nil
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readSecret reads without echo from a terminal and falls back to a plain
// line read when stdin is piped
func readSecret(reader *bufio.Reader, out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		secret, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err == nil {
			return strings.TrimSpace(string(secret)), nil
		}
	}
	return readLine(reader)
}
