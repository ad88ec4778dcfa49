package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/procorch/internal/config"
	"github.com/shaiso/procorch/internal/domain"
	"github.com/shaiso/procorch/internal/engine"
	"github.com/shaiso/procorch/internal/orchestrator"
	"github.com/shaiso/procorch/internal/repo"
	"github.com/shaiso/procorch/internal/report"
)

// DefaultConfigPath — документ процессов, если не задан --config и PROCORCH_CONFIG.
const DefaultConfigPath = "processes.yaml"

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func addConfigFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", envOr("PROCORCH_CONFIG", DefaultConfigPath), "Process document (YAML)")
}

// NewValidateCmd проверяет документ: схему, зависимости, циклы, расписания.
func NewValidateCmd(outputFn func() *Output) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a process document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.Load(path)
			if err != nil {
				return err
			}

			defs, err := doc.Normalized()
			if err != nil {
				return err
			}

			out := outputFn()
			rows := make([][]string, len(defs))
			for i, def := range defs {
				rows[i] = []string{def.Name, fmt.Sprint(len(def.Steps)), def.Schedule}
			}
			out.Print([]string{"PROCESS", "STEPS", "SCHEDULE"}, rows, defs)
			out.Success(fmt.Sprintf("%s: %d processes valid", path, len(defs)))
			return nil
		},
	}

	addConfigFlag(cmd, &path)
	return cmd
}

// NewPlanCmd выводит стадии выполнения процесса из документа.
func NewPlanCmd(outputFn func() *Output) *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "plan PROCESS",
		Short: "Show the execution plan of a process from a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := config.Load(path)
			if err != nil {
				return err
			}

			def, err := doc.Process(args[0])
			if err != nil {
				return err
			}

			plan, err := engine.BuildPlan(def)
			if err != nil {
				return err
			}

			outputFn().Print([]string{"STAGE", "STEPS"}, stageRows(stagesOf(plan)), plan)
			return nil
		},
	}

	addConfigFlag(cmd, &path)
	return cmd
}

// NewRunCmd выполняет процесс локально и пишет JSON-отчёт.
// Код выхода 0 — SUCCEEDED (в том числе с предупреждениями), 1 — иначе.
func NewRunCmd(outputFn func() *Output) *cobra.Command {
	var (
		path       string
		process    string
		reportDir  string
		sqlitePath string
		verbose    bool
		vf         varFlags
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a process locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := vf.vars(cmd)
			if err != nil {
				return err
			}

			doc, err := config.Load(path)
			if err != nil {
				return err
			}
			def, err := doc.Process(process)
			if err != nil {
				return err
			}
			settings, err := doc.EngineSettings()
			if err != nil {
				return err
			}

			out := outputFn()
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelInfo
			}
			logger := slog.New(slog.NewTextHandler(out.errW, &slog.HandlerOptions{Level: level}))

			stores := report.MultiStore{report.NewFileStore(reportDir)}
			if sqlitePath != "" {
				db, err := repo.OpenSQLite(sqlitePath)
				if err != nil {
					return err
				}
				defer db.Close()
				stores = append(stores, db)
			}

			svc, err := orchestrator.Build(orchestrator.BuildConfig{
				Settings:    settings,
				Definitions: []*domain.ProcessDefinition{def},
				Store:       stores,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer svc.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rep, runErr := svc.Trigger(ctx, domain.RunRequest{
				Process:     def.Name,
				Environment: vf.env,
				Vars:        vars,
			})
			if rep == nil {
				return runErr
			}

			run, err := runFromReport(rep)
			if err != nil {
				return err
			}
			out.Run(run)
			out.Success(fmt.Sprintf("Report written to %s", reportDir))

			if err := runError(run); err != nil {
				return err
			}
			// Run успешен, но отчёт не сохранился
			return runErr
		},
	}

	addConfigFlag(cmd, &path)
	cmd.Flags().StringVarP(&process, "process", "p", "", "Process to run")
	cmd.Flags().StringVar(&reportDir, "report-dir", envOr("REPORT_DIR", report.DefaultDir), "Directory for JSON reports")
	cmd.Flags().StringVar(&sqlitePath, "sqlite", os.Getenv("SQLITE_PATH"), "Also record the report in this SQLite database")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log step progress to stderr")
	vf.register(cmd)
	cmd.MarkFlagRequired("process")

	return cmd
}

func stagesOf(plan *engine.ExecutionPlan) []StageResponse {
	stages := make([]StageResponse, len(plan.Stages))
	for i, st := range plan.Stages {
		stages[i] = StageResponse{Index: st.Index, Steps: st.Steps}
	}
	return stages
}

// runFromReport переводит отчёт в тот же вид, что отдаёт API.
func runFromReport(rep *domain.Report) (*RunResponse, error) {
	data, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	var run RunResponse
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &run, nil
}

