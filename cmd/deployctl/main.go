package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apiclient "github.com/splax/deploygate/pkg/api/client"
)

var buildVersion = "dev"

const requestTimeout = 15 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:           "deployctl",
		Short:         "Operate a deployment gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", "", "Gateway base URL (default from config, then "+apiclient.DefaultBaseURL+")")

	cmd.AddCommand(
		loginCmd(&apiBase),
		statusCmd(&apiBase),
		eventsCmd(&apiBase),
		completeCmd(&apiBase),
		secretCmd(&apiBase),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(buildVersion))
			},
		},
	)
	return cmd
}

// session resolves the stored config and a client for the effective base URL.
func session(apiBase string) (cliConfig, *apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cliConfig{}, nil, err
	}
	if strings.TrimSpace(apiBase) != "" {
		cfg.APIBaseURL = apiBase
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return cliConfig{}, nil, err
	}
	return cfg, client, nil
}

func requireToken(cfg cliConfig) error {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return errors.New("not logged in; run deployctl login")
	}
	return nil
}

func loginCmd(apiBase *string) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain an admin token and store it locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session(*apiBase)
			if err != nil {
				return err
			}
			secret := strings.TrimSpace(password)
			if secret == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Password: ")
				bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.OutOrStdout())
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				secret = string(bytes)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			token, err := client.Login(ctx, secret)
			if err != nil {
				return err
			}
			cfg.AccessToken = token.AccessToken
			if err := saveConfig(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "login successful, token expires %s\n", token.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "Admin password (supply to avoid prompt)")
	return cmd
}

func statusCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [key]",
		Short: "Show active, queued and recent deployments, or one deployment by key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session(*apiBase)
			if err != nil {
				return err
			}
			if err := requireToken(cfg); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if len(args) == 1 {
				d, err := client.Deployment(ctx, cfg.AccessToken, args[0])
				if err != nil {
					return err
				}
				printDeployment(cmd.OutOrStdout(), d)
				return nil
			}
			snap, err := client.Deployments(ctx, cfg.AccessToken)
			if err != nil {
				return err
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func printSnapshot(out io.Writer, snap apiclient.Snapshot) {
	m := snap.Metrics
	fmt.Fprintf(out, "active %d  queued %d  history %d  total %d  duplicates %d  errors %d\n\n",
		len(snap.ActiveDeployments), len(snap.Queue), len(snap.DeploymentHistory),
		m.TotalDeployments, m.DuplicatesPrevented, m.Errors)

	active := make([]apiclient.Deployment, 0, len(snap.ActiveDeployments))
	for _, d := range snap.ActiveDeployments {
		active = append(active, d)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Timestamp.Before(active[j].Timestamp) })

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tSOURCE\tTARGET\tENV\tCOMMIT\tRUN")
	rows := append(append(active, snap.Queue...), snap.DeploymentHistory...)
	for _, d := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", shortKey(d.Key), d.Status, d.Source, target(d), d.Environment, shortKey(d.CommitHash), d.RunID)
	}
	_ = tw.Flush()
}

func printDeployment(out io.Writer, d apiclient.Deployment) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "key\t%s\n", d.Key)
	fmt.Fprintf(tw, "status\t%s\n", d.Status)
	fmt.Fprintf(tw, "target\t%s %s\n", d.Source, target(d))
	fmt.Fprintf(tw, "environment\t%s\n", d.Environment)
	fmt.Fprintf(tw, "commit\t%s\n", d.CommitHash)
	if d.RunID != "" {
		fmt.Fprintf(tw, "run\t%s\n", d.RunID)
	}
	if d.DurationMS > 0 {
		fmt.Fprintf(tw, "duration\t%s\n", (time.Duration(d.DurationMS) * time.Millisecond).String())
	}
	if d.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", d.Error)
	}
	_ = tw.Flush()
}

func target(d apiclient.Deployment) string {
	if d.PRNumber != nil {
		return fmt.Sprintf("%s#%d", d.Repository, *d.PRNumber)
	}
	return d.Repository + "@" + d.Branch
}

func shortKey(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func eventsCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recent webhook deliveries and their outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session(*apiBase)
			if err != nil {
				return err
			}
			if err := requireToken(cfg); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			events, err := client.Events(ctx, cfg.AccessToken, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RECEIVED\tSOURCE\tEVENT\tREPOSITORY\tSTATUS\tREASON\tDEPLOYMENT")
			for _, ev := range events {
				name := ev.EventType
				if ev.Action != "" {
					name += "/" + ev.Action
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					ev.ReceivedAt.Local().Format(time.DateTime), ev.Source, name, ev.Repository, ev.Status, ev.Reason, shortKey(ev.DeploymentKey))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of events to show")
	return cmd
}

func completeCmd(apiBase *string) *cobra.Command {
	var (
		status   string
		runID    string
		message  string
		callback string
	)
	cmd := &cobra.Command{
		Use:   "complete <deployment-key>",
		Short: "Report a deployment outcome the way a CI job would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := session(*apiBase)
			if err != nil {
				return err
			}
			if callback == "" {
				callback = os.Getenv("DEPLOYGATE_CALLBACK_TOKEN")
			}
			if callback == "" {
				return errors.New("--callback-token or DEPLOYGATE_CALLBACK_TOKEN is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			resp, err := client.Complete(ctx, callback, args[0], apiclient.CompletionRequest{Status: status, RunID: runID, Error: message})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "completed", "Outcome: completed or failed")
	cmd.Flags().StringVar(&runID, "run-id", "", "CI run identifier")
	cmd.Flags().StringVar(&message, "error", "", "Failure message")
	cmd.Flags().StringVar(&callback, "callback-token", "", "Callback token (default $DEPLOYGATE_CALLBACK_TOKEN)")
	return cmd
}

func secretCmd(apiBase *string) *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   "secret <owner/repository>",
		Short: "Set the webhook secret for one repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, err := session(*apiBase)
			if err != nil {
				return err
			}
			if err := requireToken(cfg); err != nil {
				return err
			}
			if secret == "" {
				fmt.Fprint(cmd.OutOrStdout(), "Secret: ")
				bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.OutOrStdout())
				if err != nil {
					return fmt.Errorf("read secret: %w", err)
				}
				secret = string(bytes)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			if err := client.SetRepositorySecret(ctx, cfg.AccessToken, args[0], secret); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "secret stored")
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Webhook secret (supply to avoid prompt)")
	return cmd
}
