package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/halalcert/internal/metrics"
	"github.com/normanking/halalcert/internal/server"
	"github.com/normanking/halalcert/internal/system"
)

func statusCmd() *cobra.Command {
	var addr, apiKey string
	var compact bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agents, health and metrics",
		Long: `Show the registered agents, their health and the event metrics.

Without --addr a local system is started for the check. With --addr the
status of a running service is fetched over HTTP; the API key is read
from --api-key or HALALCERT_API_KEY.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			render := renderStatus
			if compact {
				render = func(w io.Writer, st *server.StatusResponse) {
					fmt.Fprintln(w, metrics.NewDashboard().RenderCompact(st.Metrics))
				}
			}
			if addr != "" {
				if apiKey == "" {
					apiKey = os.Getenv("HALALCERT_API_KEY")
				}
				st, err := fetchStatus(cmd.Context(), addr, apiKey)
				if err != nil {
					return err
				}
				return emit(cmd.OutOrStdout(), st, render)
			}
			return withSystem(cmd.Context(), func(sys *system.System) error {
				sys.CheckHealth(cmd.Context())
				st := &server.StatusResponse{
					Version: system.Version,
					Status:  sys.GetSystemStatus(),
				}
				st.Uptime = st.Status.Uptime.Round(time.Second).String()
				return emit(cmd.OutOrStdout(), st, render)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "address of a running service (host:port or URL)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for the running service")
	cmd.Flags().BoolVar(&compact, "compact", false, "print a one-line metrics summary")
	return cmd
}

func fetchStatus(ctx context.Context, addr, apiKey string) (*server.StatusResponse, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set(server.APIKeyHeader, apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e server.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("fetch status: %s: %s", resp.Status, e.Message)
	}
	var st server.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func renderStatus(w io.Writer, st *server.StatusResponse) {
	fmt.Fprintln(w, titleStyle.Render("halalcert "+st.Version))
	field(w, "Uptime", st.Uptime)
	field(w, "Agents", fmt.Sprintf("%d", st.AgentCount))
	field(w, "Workflows", strings.Join(st.Workflows, ", "))
	field(w, "Active runs", fmt.Sprintf("%d", st.ActiveExecutions))
	if st.SigningKeyID != "" {
		field(w, "Signing key", dimStyle.Render(st.SigningKeyID))
	}
	fmt.Fprintln(w)

	healthy := make(map[string]string, len(st.Health))
	for _, h := range st.Health {
		if h.Healthy {
			healthy[h.AgentID] = okStyle.Render("healthy")
		} else {
			healthy[h.AgentID] = errorStyle.Render("unhealthy: " + h.Error)
		}
	}
	for _, a := range st.Agents {
		caps := make([]string, len(a.Capabilities))
		for i, c := range a.Capabilities {
			caps[i] = c.Name
		}
		state, ok := healthy[a.Identity.ID]
		if !ok {
			state = dimStyle.Render("unchecked")
		}
		fmt.Fprintf(w, "  %-16s %s  %s\n", a.Identity.ID, state, dimStyle.Render(strings.Join(caps, ", ")))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, metrics.NewDashboard().Render(st.Metrics))
}
