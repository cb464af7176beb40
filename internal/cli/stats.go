package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cable-service/internal/api/handlers"
	"cable-service/internal/auth"
	"cable-service/internal/config"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func newStatsCommand(cfgFile *string) *cobra.Command {
	var (
		baseURL string
		token   string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the open connections of a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				cfg, err := config.Load(*cfgFile)
				if err != nil {
					return err
				}
				issued, err := auth.NewTokenService(cfg.JWT.Secret, time.Minute).IssueToken("cable-cli", true)
				if err != nil {
					return err
				}
				token = issued
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			stats, err := fetchStats(ctx, http.DefaultClient, baseURL, token)
			if err != nil {
				return err
			}
			renderStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "base URL of the server")
	cmd.Flags().StringVar(&token, "token", "", "admin JWT (default is one issued with the configured secret)")
	return cmd
}

func fetchStats(ctx context.Context, client *http.Client, baseURL, token string) (*handlers.ConnectionsResponse, error) {
	url := strings.TrimRight(baseURL, "/") + "/admin/cable/connections"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("failed to fetch stats: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var stats handlers.ConnectionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	return &stats, nil
}

func renderStats(w io.Writer, stats *handlers.ConnectionsResponse) {
	conns := tablewriter.NewWriter(w)
	conns.SetHeader([]string{"Connection", "Identifier", "Started", "Subscriptions"})
	conns.SetAutoWrapText(false)
	for _, c := range stats.Connections {
		conns.Append([]string{
			c.ID,
			c.Identifier,
			c.StartedAt.Format(time.RFC3339),
			strconv.Itoa(len(c.Subscriptions)),
		})
	}
	conns.SetFooter([]string{"", "", "Total", strconv.Itoa(len(stats.Connections))})
	conns.Render()

	fmt.Fprintln(w)

	summary := tablewriter.NewWriter(w)
	summary.SetHeader([]string{"Workers", "Running", "Pending", "Executed", "Failed", "Goroutines", "RSS"})
	summary.Append([]string{
		strconv.Itoa(stats.Worker.Size),
		strconv.Itoa(stats.Worker.Running),
		strconv.FormatInt(stats.Worker.Pending, 10),
		strconv.FormatInt(stats.Worker.Executed, 10),
		strconv.FormatInt(stats.Worker.Failed, 10),
		strconv.Itoa(stats.Process.Goroutines),
		fmt.Sprintf("%.1f MiB", float64(stats.Process.RSSBytes)/(1<<20)),
	})
	summary.Render()
}
