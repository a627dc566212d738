package main

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/askd/internal/config"
	"github.com/kalambet/askd/internal/retrieval"
	"github.com/kalambet/askd/internal/storage"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question, optionally continuing a thread",
	Long: `Ask a question grounded on the ingested documents.

Examples:
  askd ask "what does the enterprise plan cost?"
  askd ask --thread CONV_01HX... "and the team plan?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		thread, _ := cmd.Flags().GetString("thread")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/ask", map[string]any{
			"conversation_id": thread,
			"question":        strings.Join(args, " "),
		})
		if err != nil {
			return err
		}

		var a answerView
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}
		printAnswer(cmd.OutOrStdout(), a)
		return nil
	},
}

func init() {
	askCmd.Flags().String("thread", "", "conversation to continue")
}

// --- regenerate ---

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <question>",
	Short: "Generate a fresh answer, bypassing the answer cache",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		thread, _ := cmd.Flags().GetString("thread")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/conversations/" + url.PathEscape(thread) + "/regenerate"
		resp, err := client.post(cmd.Context(), path, map[string]any{
			"question":  strings.Join(args, " "),
			"overwrite": overwrite,
		})
		if err != nil {
			return err
		}

		var a answerView
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}
		printAnswer(cmd.OutOrStdout(), a)
		return nil
	},
}

func init() {
	regenerateCmd.Flags().String("thread", "", "conversation the question belongs to")
	regenerateCmd.Flags().Bool("overwrite", false, "replace the cached answer with the new one")
	_ = regenerateCmd.MarkFlagRequired("thread")
}

// --- threads ---

var historyCmd = &cobra.Command{
	Use:   "history <thread>",
	Short: "Show the messages of a thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/conversations/"+url.PathEscape(args[0])+"/messages")
		if err != nil {
			return err
		}

		var msgs []storage.Message
		if err := decodeJSON(resp, &msgs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		for _, m := range msgs {
			label := colorize(colorCyan, string(m.Sender))
			if m.Sender == storage.SenderAssistant {
				label = colorize(colorGreen, string(m.Sender))
			}
			fmt.Fprintf(out, "%s %s %s\n", colorize(colorDim, fmt.Sprintf("#%d", m.Position)), label, m.Timestamp.Local().Format("2006-01-02 15:04"))
			fmt.Fprintf(out, "  %s\n\n", m.Content)
		}
		return nil
	},
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List your threads",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/conversations")
		if err != nil {
			return err
		}

		var convs []storage.ConversationSummary
		if err := decodeJSON(resp, &convs); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(convs) == 0 {
			fmt.Fprintln(out, "No threads yet.")
			return nil
		}
		for _, c := range convs {
			fmt.Fprintf(out, "%s  %s  %s  %s\n",
				colorize(colorCyan, string(c.ID)),
				c.CreatedAt.Local().Format("2006-01-02 15:04"),
				fmt.Sprintf("%3d msgs", c.MessageCount),
				truncate(c.Topic, 60),
			)
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <thread>",
	Short: "Delete a thread and all of its messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/conversations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Deleted thread %s", args[0])
		return nil
	},
}

// --- accounts ---

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and save the session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")

		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("reading password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		client := &apiClient{baseURL: serverURL(cfg), httpClient: defaultHTTPClient()}

		resp, err := client.post(cmd.Context(), "/sessions", map[string]string{
			"username": username,
			"password": password,
		})
		if err != nil {
			return err
		}

		var result struct {
			Token string       `json:"token"`
			User  storage.User `json:"user"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if err := config.SetSecret(config.SecretSessionToken, result.Token); err != nil {
			return fmt.Errorf("saving session: %w", err)
		}

		printSuccess("Logged in as %s", result.User.Username)
		return nil
	},
}

func init() {
	loginCmd.Flags().String("username", "", "account name")
	loginCmd.Flags().String("password", "", "password (read from stdin when omitted)")
	_ = loginCmd.MarkFlagRequired("username")
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/sessions/current")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			printWarning("server did not confirm logout: %v", err)
		}
		if err := config.SetSecret(config.SecretSessionToken, ""); err != nil {
			return fmt.Errorf("clearing session: %w", err)
		}

		printSuccess("Logged out")
		return nil
	},
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage accounts",
}

var usersAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create an account (requires the admin token)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		email, _ := cmd.Flags().GetString("email")

		client, err := newAdminClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/users", map[string]string{
			"username": args[0],
			"password": password,
			"email":    email,
		})
		if err != nil {
			return err
		}

		var u storage.User
		if err := decodeJSON(resp, &u); err != nil {
			return err
		}

		printSuccess("Created user %s (%s)", u.Username, u.ID)
		return nil
	},
}

func init() {
	usersAddCmd.Flags().String("password", "", "initial password")
	usersAddCmd.Flags().String("email", "", "contact email")
	_ = usersAddCmd.MarkFlagRequired("password")
	usersCmd.AddCommand(usersAddCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Add a document to the knowledge base",
	Long: `Add a document to the knowledge base.

Examples:
  askd ingest --text "Refunds are accepted within 30 days" --title refunds
  askd ingest --url https://example.com/pricing
  askd ingest --file ./handbook.pdf`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		rawURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		kind, _ := cmd.Flags().GetString("kind")

		if text == "" && rawURL == "" && file == "" {
			return errors.New("one of --text, --url, or --file is required")
		}

		req := map[string]any{"source": "cli"}
		if title != "" {
			req["title"] = title
		}
		if kind != "" {
			req["kind"] = kind
		}

		switch {
		case text != "":
			req["type"] = "text"
			req["content"] = text
		case rawURL != "":
			req["type"] = "url"
			req["url"] = rawURL
		case file != "":
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			req["type"] = "file"
			req["content"] = base64.StdEncoding.EncodeToString(data)
			if title == "" {
				req["title"] = filepath.Base(file)
			}
			req["source"] = file
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/documents", req)
		if err != nil {
			return err
		}

		var result struct {
			ID    string `json:"id"`
			JobID string `json:"job_id"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued doc %s (job %s)", result.ID, result.JobID)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("url", "", "URL to fetch and ingest")
	ingestCmd.Flags().String("file", "", "file path to ingest (text, markdown, html or pdf)")
	ingestCmd.Flags().String("title", "", "title for the document")
	ingestCmd.Flags().String("kind", "", "override the detected document kind")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search ingested passages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("q", strings.Join(args, " "))
		q.Set("limit", fmt.Sprint(limit))
		resp, err := client.get(cmd.Context(), "/search?"+q.Encode())
		if err != nil {
			return err
		}

		var results []retrieval.Passage
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(results) == 0 {
			fmt.Fprintln(out, "No results found.")
			return nil
		}
		for i, r := range results {
			fmt.Fprintf(out, "\n%s [score: %.3f] %s\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score, r.Source)
			if r.Pages != "" {
				fmt.Fprintf(out, "  Pages: %s\n", r.Pages)
			}
			fmt.Fprintf(out, "  %s\n", truncate(r.Text, 500))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
