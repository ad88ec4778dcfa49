package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewRunsCmd создаёт группу команд для управления runs через API.
func NewRunsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage runs on a procorch server",
	}

	cmd.AddCommand(
		newRunsListCmd(clientFn, outputFn),
		newRunsActiveCmd(clientFn, outputFn),
		newRunsStartCmd(clientFn, outputFn),
		newRunsShowCmd(clientFn, outputFn),
		newRunsCancelCmd(clientFn, outputFn),
	)

	return cmd
}

var runHeaders = []string{"EXECUTION_ID", "PROCESS", "STATUS", "STEPS", "SUCCESS", "DURATION", "STARTED"}

func runRow(r RunResponse) []string {
	return []string{
		r.ExecutionID,
		r.Process,
		r.Status,
		fmt.Sprintf("%d/%d", r.Summary.Succeeded, r.Summary.Total),
		fmt.Sprintf("%.0f%%", r.Summary.SuccessRate*100),
		formatMs(r.DurationMs),
		r.Timestamp,
	}
}

func runRows(runs []RunResponse) [][]string {
	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = runRow(r)
	}
	return rows
}

func newRunsListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var opts ListRunsOpts

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List finished runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := clientFn().ListRuns(opts)
			if err != nil {
				return err
			}

			outputFn().Print(runHeaders, runRows(runs), runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Process, "process", "", "Filter by process name")
	cmd.Flags().StringVar(&opts.Status, "status", "", "Filter by status (SUCCEEDED, FAILED, ABORTED)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of results")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Number of results to skip")

	return cmd
}

func newRunsActiveCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List runs that are currently executing",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := clientFn().ListActiveRuns()
			if err != nil {
				return err
			}

			outputFn().Print(runHeaders, runRows(runs), runs)
			return nil
		},
	}
}

func newRunsStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var vf varFlags
	var wait bool

	cmd := &cobra.Command{
		Use:   "start PROCESS",
		Short: "Start a process run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := vf.vars(cmd)
			if err != nil {
				return err
			}

			out := outputFn()
			run, err := clientFn().StartRun(CreateRunRequest{
				Process:     args[0],
				Environment: vf.env,
				Vars:        vars,
				Wait:        wait,
			})
			if err != nil {
				return err
			}

			if !wait {
				out.Success(fmt.Sprintf("Run started: %s", run.ExecutionID))
				out.Print([]string{"EXECUTION_ID", "PROCESS", "STATUS"}, [][]string{{run.ExecutionID, run.Process, run.Status}}, run)
				return nil
			}

			out.Run(run)
			return runError(run)
		},
	}

	vf.register(cmd)
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish and print the report")

	return cmd
}

func newRunsShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show EXECUTION_ID",
		Short: "Show run details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := clientFn().GetRun(args[0])
			if err != nil {
				return err
			}

			outputFn().Run(run)
			return nil
		},
	}
}

func newRunsCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel EXECUTION_ID",
		Short: "Cancel a running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := clientFn().CancelRun(args[0]); err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Cancellation requested: %s", args[0]))
			return nil
		},
	}
}

// NewProcessesCmd создаёт группу команд для просмотра процессов сервера.
func NewProcessesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "processes",
		Short: "Inspect processes loaded by a procorch server",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			processes, err := clientFn().ListProcesses()
			if err != nil {
				return err
			}

			rows := make([][]string, len(processes))
			for i, p := range processes {
				rows[i] = []string{p.Name, strconv.Itoa(len(p.Steps)), p.Schedule, p.Fingerprint[:min(12, len(p.Fingerprint))]}
			}
			outputFn().Print([]string{"NAME", "STEPS", "SCHEDULE", "FINGERPRINT"}, rows, processes)
			return nil
		},
	}

	plan := &cobra.Command{
		Use:   "plan PROCESS",
		Short: "Show the execution plan of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := clientFn().GetPlan(args[0])
			if err != nil {
				return err
			}

			outputFn().Print([]string{"STAGE", "STEPS"}, stageRows(plan.Stages), plan)
			return nil
		},
	}

	cmd.AddCommand(list, plan)
	return cmd
}
