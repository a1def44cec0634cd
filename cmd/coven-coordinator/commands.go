// ABOUTME: Operator commands that talk to a running coordinator
// ABOUTME: health, status, agents, submit and token

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/auth"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/task"
)

func newHealthCmd(opts *globalOptions) *cobra.Command {
	var grpcAddr, service string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check coordinator health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if grpcAddr != "" {
				return runGRPCHealth(cmd.Context(), cmd.OutOrStdout(), grpcAddr, service)
			}
			return runHealth(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "probe the gRPC health service at this address instead of HTTP")
	cmd.Flags().StringVar(&service, "service", "", "gRPC health service name (empty for overall, coven.agent.NAME for one agent)")
	return cmd
}

func runHealth(ctx context.Context, out io.Writer, opts *globalOptions) error {
	c, err := opts.newClient()
	if err != nil {
		return err
	}
	h, err := c.Health(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	status := color.GreenString(h.Status)
	if h.Status != coordinator.HealthOK {
		status = color.YellowString(h.Status)
	}
	fmt.Fprintf(out, "%s  agents: %d total, %d available, %d busy, %d unresponsive  tasks: %d queued, %d executing\n",
		status, h.Agents.Total, h.Agents.Available, h.Agents.Busy, h.Agents.Unresponsive,
		h.Tasks.Queued, h.Tasks.Executing)
	if h.Status != coordinator.HealthOK {
		return errors.New("coordinator is degraded")
	}
	return nil
}

func runGRPCHealth(ctx context.Context, out io.Writer, addr, service string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	fmt.Fprintln(out, strings.ToLower(resp.GetStatus().String()))
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %q not serving", service)
	}
	return nil
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agents, active tasks and recent history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "recent completed/failed tasks to show (default server setting)")
	return cmd
}

func colorStatus(s agent.Status) string {
	switch s {
	case agent.StatusAvailable:
		return color.GreenString(string(s))
	case agent.StatusBusy:
		return color.CyanString(string(s))
	case agent.StatusUnresponsive:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func printAgents(out io.Writer, agents []agent.Record) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tCAPABILITIES\tCOMPLETED\tLAST SEEN")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			a.Name, colorStatus(a.Status), strings.Join(a.Capabilities, ","),
			a.TasksCompleted, a.LastSeen.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func printTasks(out io.Writer, tasks []task.Task) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tAGENT\tSTATUS\tDESCRIPTION")
	for _, t := range tasks {
		desc := t.Description
		if len(desc) > 60 {
			desc = desc[:57] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Category, t.AssignedAgent, t.Status, desc)
	}
	_ = tw.Flush()
}

func printStatus(out io.Writer, st coordinator.Status) {
	bold := color.New(color.Bold)

	agents := make([]agent.Record, 0, len(st.Agents))
	for _, a := range st.Agents {
		agents = append(agents, a)
	}
	slices.SortFunc(agents, func(a, b agent.Record) int { return strings.Compare(a.Name, b.Name) })

	bold.Fprintf(out, "Agents (%d)\n", len(agents))
	printAgents(out, agents)

	fmt.Fprintln(out)
	bold.Fprintf(out, "Active tasks (%d queued, %d executing)\n", st.Counts.Queued, st.Counts.Executing)
	printTasks(out, st.ActiveTasks)

	fmt.Fprintln(out)
	bold.Fprintf(out, "Recently completed (%d total)\n", st.Counts.Completed)
	printTasks(out, st.RecentCompleted)

	fmt.Fprintln(out)
	bold.Fprintf(out, "Recently failed (%d total)\n", st.Counts.Failed)
	printTasks(out, st.RecentFailed)
}

func newAgentsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			agents, err := c.Agents(cmd.Context())
			if err != nil {
				return err
			}
			printAgents(cmd.OutOrStdout(), agents)
			return nil
		},
	}
}

func newSubmitCmd(opts *globalOptions) *cobra.Command {
	var req task.Request
	cmd := &cobra.Command{
		Use:   "submit DESCRIPTION",
		Short: "Create a task and route it to the best agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Description = strings.Join(args, " ")
			c, err := opts.newClient()
			if err != nil {
				return err
			}
			t, err := c.CreateTask(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s assigned to %s\n", t.ID, color.CyanString(t.AssignedAgent))
			return nil
		},
	}
	cmd.Flags().StringVarP(&req.Category, "type", "t", "", "task category (required)")
	cmd.Flags().IntVarP(&req.Priority, "priority", "p", 1, "task priority")
	cmd.Flags().StringVar(&req.Project, "project", "", "project the task belongs to")
	cmd.Flags().StringVar(&req.FilePath, "file", "", "file the task concerns")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var subject, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token signed with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			if role != auth.RoleOperator && role != auth.RoleAgent {
				return fmt.Errorf("role must be %s or %s", auth.RoleOperator, auth.RoleAgent)
			}
			tok, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject; the agent name for agent tokens (required)")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "operator or agent")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
