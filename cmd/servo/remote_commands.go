package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/servo/pkg/client"
)

func addRemoteFlags(cmd *cobra.Command, flags *RemoteFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "http://localhost:8080", "daemon API base URL")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
}

func newRemote(flags RemoteFlags) *client.Client {
	return client.New(client.Config{BaseURL: flags.APIUrl, Timeout: flags.APITimeout})
}

func newStatusCmd() *cobra.Command {
	flags := &RemoteFlags{}
	jsonOut := false
	cmd := &cobra.Command{
		Use:   "status [service-id]",
		Short: "Show service status (all services when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newRemote(*flags)
			if len(args) == 1 {
				st, err := c.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, st)
			}
			all, err := c.StatusAll(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd, all)
			}
			printStatusTable(all)
			return nil
		},
	}
	addRemoteFlags(cmd, flags)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print raw JSON")
	return cmd
}

func printStatusTable(all client.StatusAll) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SERVICE\tSTATE\tHEALTHY\tPID\tUPTIME\tBREAKER\tLAST ERROR")
	for _, s := range all.Services {
		pid, uptime := "-", "-"
		if s.PID != nil {
			pid = fmt.Sprintf("%d", *s.PID)
		}
		if s.UptimeSeconds != nil {
			uptime = (time.Duration(*s.UptimeSeconds) * time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\t%s\n",
			s.ServiceID, s.State, s.Health.IsHealthy, pid, uptime, s.CircuitBreaker.State, s.LastError)
	}
	_ = w.Flush()
	fmt.Printf("\n%d services, %d running, %d healthy (orchestrator %s, up %ds)\n",
		all.Orchestrator.ServicesTotal, all.Orchestrator.ServicesRunning,
		all.Orchestrator.ServicesHealthy, all.Orchestrator.Version, all.Orchestrator.Uptime)
}

func newActionCmd(action string) *cobra.Command {
	flags := &RemoteFlags{}
	cmd := &cobra.Command{
		Use:   action + " <service-id>",
		Short: fmt.Sprintf("Send the %s action to a service", action),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newRemote(*flags)
			if err := c.Action(cmd.Context(), args[0], action); err != nil {
				return err
			}
			cmd.Printf("%s: %s ok\n", args[0], action)
			return nil
		},
	}
	addRemoteFlags(cmd, flags)
	return cmd
}

func newRegistryCmd() *cobra.Command {
	flags := &RemoteFlags{}
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Show the daemon's service registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newRemote(*flags)
			raw, err := c.Registry(cmd.Context())
			if err != nil {
				return err
			}
			var services []json.RawMessage
			if err := json.Unmarshal(raw, &services); err != nil {
				return err
			}
			return printJSON(cmd, services)
		},
	}
	addRemoteFlags(cmd, flags)
	return cmd
}

func newKillCmd() *cobra.Command {
	flags := &KillFlags{}
	cmd := &cobra.Command{
		Use:   "kill <service-id>",
		Short: "Terminate a service process (graceful escalation unless --force)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newRemote(flags.RemoteFlags)
			track, err := c.Kill(cmd.Context(), args[0], flags.Force)
			if err != nil {
				return err
			}
			return printJSON(cmd, track)
		},
	}
	addRemoteFlags(cmd, &flags.RemoteFlags)
	cmd.Flags().BoolVar(&flags.Force, "force", false, "skip SIGTERM and send SIGKILL immediately")
	return cmd
}

func newLogsCmd() *cobra.Command {
	flags := &LogsFlags{}
	cmd := &cobra.Command{
		Use:   "logs <service-id>",
		Short: "Show captured stdout/stderr tail of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newRemote(flags.RemoteFlags)
			logs, err := c.Logs(cmd.Context(), args[0], flags.Lines)
			if err != nil {
				return err
			}
			for _, line := range logs.Stdout {
				cmd.Println(line)
			}
			for _, line := range logs.Stderr {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), line)
			}
			return nil
		},
	}
	addRemoteFlags(cmd, &flags.RemoteFlags)
	cmd.Flags().IntVar(&flags.Lines, "lines", 100, "lines per stream")
	return cmd
}

func newRestartAllCmd() *cobra.Command {
	flags := &RemoteFlags{}
	wait := false
	cmd := &cobra.Command{
		Use:   "restart-all",
		Short: "Restart the whole fleet in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newRemote(*flags)
			if err := c.FullRestart(cmd.Context()); err != nil {
				return err
			}
			cmd.Println("full restart accepted")
			if !wait {
				return nil
			}
			if err := c.WaitHealthy(cmd.Context(), time.Second); err != nil {
				return err
			}
			cmd.Println("fleet healthy")
			return nil
		},
	}
	addRemoteFlags(cmd, flags)
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the daemon reports healthy again")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}
