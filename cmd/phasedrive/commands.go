package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/phasedrive/phasedrive/internal/engine"
	"github.com/phasedrive/phasedrive/internal/state"
	"github.com/phasedrive/phasedrive/internal/statusapi"
	"github.com/phasedrive/phasedrive/internal/store"
)

func newInitCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "init <protocol> <project-id>",
		Short: "Create a project on the named protocol",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if title == "" {
				title = args[1]
			}
			st, err := a.engine.Init(cmd.Context(), args[0], args[1], title)
			if err != nil {
				return err
			}
			fmt.Printf("initialized %s on %s, phase %s\n", st.ID, st.Protocol, st.Phase)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "human-readable project title")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var withHistory bool
	cmd := &cobra.Command{
		Use:   "status [project-id]",
		Short: "Show project state (all projects when no id given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				return printProjectList(a)
			}
			return printProject(cmd.Context(), a, args[0], withHistory)
		},
	}
	cmd.Flags().BoolVar(&withHistory, "history", false, "include the audit journal")
	return cmd
}

func printProjectList(a *app) error {
	ids, err := a.store.List()
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return json.NewEncoder(os.Stdout).Encode(ids)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Project", "Protocol", "Phase", "Iteration", "Waiting"})
	for _, id := range ids {
		st, err := a.store.Read(id)
		if err != nil {
			return err
		}
		tw.AppendRow(table.Row{st.ID, st.Protocol, st.Phase, st.Iteration, st.AwaitingInput})
	}
	tw.Render()
	return nil
}

func printProject(ctx context.Context, a *app, id string, withHistory bool) error {
	st, err := a.store.Read(id)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return json.NewEncoder(os.Stdout).Encode(st)
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"Project", st.ID})
	tw.AppendRow(table.Row{"Title", st.Title})
	tw.AppendRow(table.Row{"Protocol", st.Protocol})
	tw.AppendRow(table.Row{"Phase", st.Phase})
	tw.AppendRow(table.Row{"Iteration", st.Iteration})
	tw.AppendRow(table.Row{"Build complete", st.BuildComplete})
	tw.AppendRow(table.Row{"Awaiting input", st.AwaitingInput})
	if pp, ok := st.CurrentPlan(); ok {
		tw.AppendRow(table.Row{"Plan phase", fmt.Sprintf("%s (%s)", pp.Title, pp.ID)})
	}
	for _, g := range gateRows(st) {
		tw.AppendRow(g)
	}
	tw.Render()

	if withHistory && a.journal != nil {
		events, err := a.journal.History(ctx, id, 0)
		if err != nil {
			return err
		}
		printHistory(events)
	}
	return nil
}

func gateRows(st *state.ProjectState) []table.Row {
	var rows []table.Row
	for _, name := range sortedGateNames(st) {
		g := st.Gates[name]
		status := string(g.Status)
		if g.Requested() && g.Status != state.GateApproved {
			status += " (requested)"
		}
		rows = append(rows, table.Row{"Gate " + name, status})
	}
	return rows
}

func sortedGateNames(st *state.ProjectState) []string {
	names := make([]string, 0, len(st.Gates))
	for name := range st.Gates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func printHistory(events []store.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Time", "Kind", "Phase", "Iteration", "Detail"})
	for _, ev := range events {
		tw.AppendRow(table.Row{ev.CreatedAt.Format(time.RFC3339), ev.Kind, ev.Phase, ev.Iteration, ev.Detail})
	}
	tw.Render()
}

func newNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next <project-id>",
		Short: "Compute the project's next step batch without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			plan, err := a.planner.Next(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return json.NewEncoder(os.Stdout).Encode(plan)
			}
			return yaml.NewEncoder(os.Stdout).Encode(plan)
		},
	}
}

func newRunCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "run <project-id>",
		Short: "Drive the loop until a gate, completion, or failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if listen != "" {
				srv := statusapi.New(a.engine, a.store, a.checker, a.cfg.MetricsAddr, a.logger)
				go func() {
					if err := srv.Start(listen); err != nil {
						a.logger.Error().Err(err).Msg("status server failed")
					}
				}()
				defer srv.Shutdown()
			}

			res, err := a.engine.Run(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s %s\n", args[0], res.Outcome, res.Detail)
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "serve read-only status on this address while running")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <project-id>",
		Short: "Run the current phase's named checks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.RunPhaseChecks(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("checks passed")
			return nil
		},
	}
}

func newDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <project-id>",
		Short: "Mark the externally driven build of the current cycle complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.engine.MarkDone(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: build marked complete (phase %s, iteration %d)\n", st.ID, st.Phase, st.Iteration)
			return nil
		},
	}
}

func newGateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gate <project-id>",
		Short: "List the project's gates and their status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.store.Read(args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return json.NewEncoder(os.Stdout).Encode(st.Gates)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Gate", "Status", "Requested", "Approved"})
			for _, name := range sortedGateNames(st) {
				g := st.Gates[name]
				tw.AppendRow(table.Row{name, g.Status, fmtTime(g.RequestedAt), fmtTime(g.ApprovedAt)})
			}
			tw.Render()
			return nil
		},
	}
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func newApproveCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "approve <project-id> <gate>",
		Short: "Approve a requested gate (requires --yes)",
		Long: `Approve a requested gate. The --yes flag is the explicit human
approval; without it the command refuses and exits non-zero.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.Approve(cmd.Context(), args[0], args[1], yes)
			if err != nil {
				return err
			}
			fmt.Printf("%s: gate %s approved, %s\n", args[0], args[1], describeAdvance(res))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "explicit human approval")
	return cmd
}

func describeAdvance(res *engine.StepResult) string {
	if res.Outcome == engine.OutcomeComplete {
		return "project complete"
	}
	return "advanced to " + res.State.Phase
}

func newRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <project-id> <phase>",
		Short: "Move the project back to an earlier phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			st, err := a.engine.Rollback(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s: rolled back to %s\n", st.ID, st.Phase)
			return nil
		},
	}
}

func newProtocolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "protocols",
		Short: "List available protocols and their phases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			protos, err := a.engine.Protocols().All()
			if err != nil {
				return err
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Protocol", "Aliases", "Phases", "Gates"})
			for _, p := range protos {
				var phases []string
				for _, ph := range p.Phases {
					phases = append(phases, ph.ID)
				}
				tw.AppendRow(table.Row{
					p.Name,
					strings.Join(p.Aliases, ", "),
					strings.Join(phases, " -> "),
					strings.Join(p.GateNames(), ", "),
				})
			}
			tw.Render()
			return nil
		},
	}
}
