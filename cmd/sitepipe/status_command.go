package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"sitepipe/internal/daemonctl"
	"sitepipe/internal/dispatch"
	"sitepipe/internal/stage"
	"sitepipe/internal/status"
)

var jobStatuses = []dispatch.Status{dispatch.StatusPending, dispatch.StatusRunning, dispatch.StatusDone, dispatch.StatusDead}

type statusReport struct {
	Daemon daemonState             `json:"daemon"`
	Sites  status.Summary          `json:"sites"`
	Jobs   map[dispatch.Status]int `json:"jobs"`
}

type daemonState struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

func probeDaemon(paths daemonctl.Paths) daemonState {
	running, err := daemonctl.Running(paths)
	if err != nil || !running {
		return daemonState{}
	}
	pid, _ := daemonctl.ReadPID(paths)
	return daemonState{Running: true, PID: pid}
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarise sites per stage and dispatch queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(cmd, func(c context.Context, h *storeHandle) error {
				summary, err := h.status.Summary(c)
				if err != nil {
					return err
				}
				jobs, err := h.queue.Stats(c)
				if err != nil {
					return err
				}
				daemon := probeDaemon(daemonPaths(h.cfg))
				if ctx.JSONMode() {
					return writeJSON(cmd, statusReport{Daemon: daemon, Sites: summary, Jobs: jobs})
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)

				if daemon.Running {
					fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, "running (pid "+strconv.Itoa(daemon.PID)+")", colorize))
				} else {
					fmt.Fprintln(out, renderStatusLine("Daemon", statusWarn, "not running", colorize))
				}

				for _, line := range renderSectionHeader("Sites", colorize) {
					fmt.Fprintln(out, line)
				}
				fmt.Fprintln(out, renderStatusLine("Total", statusInfo, strconv.Itoa(summary.Total), colorize))
				for _, state := range []status.State{status.StateAdvancing, status.StateStalled, status.StateCompleted, status.StateFailed} {
					n := summary.ByState[state]
					kind := statusInfo
					if n > 0 {
						kind = stateKind(state)
					}
					fmt.Fprintln(out, renderStatusLine(displayName(string(state)), kind, strconv.Itoa(n), colorize))
				}

				rows := make([][]string, 0, len(stage.Pipeline())+2)
				for _, st := range append(stage.Pipeline(), stage.Completed, stage.Failed) {
					rows = append(rows, []string{displayName(string(st)), strconv.Itoa(summary.ByStage[st])})
				}
				fmt.Fprintln(out, renderTable([]tableColumn{{header: "Stage"}, {header: "Sites", align: alignRight}}, rows, ""))

				for _, line := range renderSectionHeader("Jobs", colorize) {
					fmt.Fprintln(out, line)
				}
				for _, st := range jobStatuses {
					kind := statusInfo
					if st == dispatch.StatusDead && jobs[st] > 0 {
						kind = statusWarn
					}
					fmt.Fprintln(out, renderStatusLine(displayName(string(st)), kind, strconv.Itoa(jobs[st]), colorize))
				}
				return nil
			})
		},
	}
}
