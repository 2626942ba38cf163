// Command tdmctl is the operator CLI for a running tdmcore.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var (
	serverURL string
	authToken string
	rawJSON   bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tdmctl",
		Short:         "Inspect and control a tdmcore instance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("TDMCTL_SERVER", "http://localhost:8080"), "tdmcore API base URL")
	root.PersistentFlags().StringVar(&authToken, "token", os.Getenv("TDMCTL_TOKEN"), "API bearer token")
	root.PersistentFlags().BoolVar(&rawJSON, "json", false, "print raw JSON")

	root.AddCommand(loginCmd())
	root.AddCommand(hashPasswordCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(spanCmd())
	root.AddCommand(getCmd("groups", "List hunt groups", "/groups"))
	root.AddCommand(getCmd("calls", "List the call id table", "/calls"))
	root.AddCommand(huntCmd())
	root.AddCommand(hangupCmd())
	root.AddCommand(coreCmd())
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func apiClient() *client {
	return newClient(serverURL, authToken)
}

// printData writes v as indented JSON.
func printData(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if !rawJSON {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange the operator password for an API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("TDMCTL_PASSWORD")
			}
			token, err := apiClient().login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "admin", "operator name recorded in the token")
	cmd.Flags().StringVar(&password, "password", "", "operator password (or TDMCTL_PASSWORD)")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for --api-password-hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), cost)
			if err != nil {
				return fmt.Errorf("hashing password: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func statusCmd() *cobra.Command {
	return getCmd("status", "Show core status", "/status")
}

// getCmd prints the data of a read-only endpoint.
func getCmd(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if err := apiClient().do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return printData(cmd.OutOrStdout(), out)
		},
	}
}

func spanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spans [name]",
		Short: "List spans or show one span with its channels",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/spans"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
			}
			var out any
			if err := apiClient().do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
				return err
			}
			return printData(cmd.OutOrStdout(), out)
		},
	}
	for _, action := range []string{"start", "stop"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <name>",
			Short: strings.ToUpper(action[:1]) + action[1:] + " a span",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out any
				path := "/spans/" + url.PathEscape(args[0]) + "/" + action
				if err := apiClient().do(cmd.Context(), http.MethodPost, path, nil, &out); err != nil {
					return err
				}
				return printData(cmd.OutOrStdout(), out)
			},
		})
	}
	return cmd
}

type huntOptions struct {
	Mode      string `json:"mode"`
	Span      string `json:"span,omitempty"`
	Chan      int    `json:"chan,omitempty"`
	Group     string `json:"group,omitempty"`
	Direction string `json:"direction,omitempty"`
	ANI       string `json:"ani,omitempty"`
	DNIS      string `json:"dnis,omitempty"`
	CIDName   string `json:"cid_name,omitempty"`
	CIDNum    string `json:"cid_num,omitempty"`
	Place     bool   `json:"place"`
}

func huntCmd() *cobra.Command {
	var opts huntOptions
	cmd := &cobra.Command{
		Use:   "hunt",
		Short: "Hunt a channel and optionally place an outbound call on it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch opts.Mode {
			case "span", "channel":
				if opts.Span == "" {
					return fmt.Errorf("--span is required for %s hunting", opts.Mode)
				}
			case "group":
				if opts.Group == "" {
					return fmt.Errorf("--group is required for group hunting")
				}
			default:
				return fmt.Errorf("invalid --mode %q (span, group, channel)", opts.Mode)
			}
			var out any
			if err := apiClient().do(cmd.Context(), http.MethodPost, "/hunt", opts, &out); err != nil {
				return err
			}
			return printData(cmd.OutOrStdout(), out)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.Mode, "mode", "group", "hunt mode (span, group, channel)")
	f.StringVar(&opts.Span, "span", "", "span name or id")
	f.IntVar(&opts.Chan, "chan", 0, "channel id for channel hunting")
	f.StringVar(&opts.Group, "group", "", "hunt group name")
	f.StringVar(&opts.Direction, "direction", "top-down", "hunt direction (top-down, bottom-up, rr-down, rr-up)")
	f.StringVar(&opts.ANI, "ani", "", "calling number")
	f.StringVar(&opts.DNIS, "dnis", "", "called number")
	f.StringVar(&opts.CIDName, "cid-name", "", "caller id name")
	f.StringVar(&opts.CIDNum, "cid-num", "", "caller id number")
	f.BoolVar(&opts.Place, "place", false, "place the call after hunting")
	return cmd
}

func hangupCmd() *cobra.Command {
	var cause int
	cmd := &cobra.Command{
		Use:   "hangup <span> <chan>",
		Short: "Hang up a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid channel %q", args[1])
			}
			path := fmt.Sprintf("/spans/%s/channels/%d/hangup", url.PathEscape(args[0]), id)
			var out any
			if err := apiClient().do(cmd.Context(), http.MethodPost, path, map[string]int{"cause": cause}, &out); err != nil {
				return err
			}
			return printData(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().IntVar(&cause, "cause", 16, "Q.850 hangup cause")
	return cmd
}

// coreCmd forwards to the core diagnostic command set, for example
// "tdmctl core state UP" or "tdmctl core flag !INUSE s1".
func coreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "core <command> [args...]",
		Short: "Run a core diagnostic command (state, flag, spanflag, calls)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := apiClient().exec(cmd.Context(), append([]string{"core"}, args...))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
