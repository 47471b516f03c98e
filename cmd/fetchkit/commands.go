package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/MustafaHasria/fetchkit"
	"github.com/MustafaHasria/fetchkit/fakestore"
)

func newGetCmd(a *app) *cobra.Command {
	var (
		force bool
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "get <endpoint> [name=value ...]",
		Short: "Fetch an endpoint and print the decoded JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0], args[1:])
			if err != nil {
				return err
			}
			var opts []fetchkit.FetchOption
			if force {
				opts = append(opts, fetchkit.WithForceRefresh())
			}
			if cmd.Flags().Changed("ttl") {
				opts = append(opts, fetchkit.WithTTL(ttl))
			}
			v, err := a.client.Repository().Fetch(cmd.Context(), key, nil, opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "bypass the cache")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "cache the response for this long")
	return cmd
}

func newProductsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "products",
		Short: "List the product catalogue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			products, err := a.client.Products(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tPRICE\tCATEGORY")
			for _, p := range products {
				fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\n", p.ID, p.Title, p.Price, p.Category)
			}
			return w.Flush()
		},
	}
}

func newProductCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "product <id>",
		Short: "Show one product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.Newf("invalid product id %q", args[0])
			}
			p, err := a.client.Product(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", p.Title)
			fmt.Fprintf(out, "  price:    %.2f\n", p.Price)
			fmt.Fprintf(out, "  category: %s\n", p.Category)
			fmt.Fprintf(out, "  rating:   %.1f (%d reviews)\n", p.Rating.Rate, p.Rating.Count)
			if p.Description != "" {
				fmt.Fprintf(out, "\n%s\n", p.Description)
			}
			return nil
		},
	}
}

func newLoginCmd(a *app) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Check credentials against the login endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				username = os.Getenv("FETCHKIT_USERNAME")
			}
			if password == "" {
				password = os.Getenv("FETCHKIT_PASSWORD")
			}
			if err := a.client.Login(cmd.Context(), username, password); err != nil {
				if errors.Is(err, fakestore.ErrMissingCredentials) {
					return errors.WithHint(err, "pass --username and --password or set FETCHKIT_USERNAME and FETCHKIT_PASSWORD")
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", strings.TrimSpace(username))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		interval time.Duration
		count    int
	)
	cmd := &cobra.Command{
		Use:   "watch <endpoint> [name=value ...]",
		Short: "Refetch an endpoint periodically and print every change",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0], args[1:])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return watch(ctx, a.client.Repository(), key, interval, count, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 10*time.Second, "time between refreshes")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many refreshes (0 runs until interrupted)")
	return cmd
}

func watch(ctx context.Context, repo *fetchkit.Repository, key fetchkit.RequestKey, interval time.Duration, count int, out, errOut io.Writer) error {
	lifecycle := fetchkit.NewLifecycle(ctx)
	defer lifecycle.End()

	seen := make(chan struct{}, 1)
	notify := func() {
		select {
		case seen <- struct{}{}:
		default:
		}
	}
	_, err := repo.Store().Subscribe(key, lifecycle.Context(),
		func(v any) {
			fmt.Fprintf(out, "[%s] %s\n", time.Now().Format(time.TimeOnly), key)
			_ = printJSON(out, v)
			notify()
		},
		func(err error) {
			fmt.Fprintf(errOut, "[%s] %s: %v\n", time.Now().Format(time.TimeOnly), key, err)
			notify()
		},
	)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 1; ; n++ {
		if _, err := repo.Fetch(lifecycle.Context(), key, nil, fetchkit.WithForceRefresh()); err == nil || !fetchkit.IsFetchKind(err, fetchkit.FetchCancelled) {
			select {
			case <-seen:
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if count > 0 && n >= count {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), fetchkit.GetVersion())
		},
	}
	// Printing the version needs neither config nor a client.
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error { return nil }
	cmd.PersistentPostRun = func(*cobra.Command, []string) {}
	return cmd
}

// parseKey builds a key from an endpoint and name=value arguments.
func parseKey(endpoint string, pairs []string) (fetchkit.RequestKey, error) {
	params := url.Values{}
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return fetchkit.RequestKey{}, errors.Newf("parameter %q is not name=value", pair)
		}
		params.Add(name, value)
	}
	return fetchkit.NewRequestKey(endpoint, params), nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "format response")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
