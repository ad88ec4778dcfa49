package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// varFlags — флаги контекста запуска, общие для run и runs start.
type varFlags struct {
	env      string
	branch   string
	approved bool
	set      []string
}

func (f *varFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.env, "env", "", "Target environment (dev, staging, production)")
	cmd.Flags().StringVar(&f.branch, "branch", "", "Source branch, available to step conditions as 'branch'")
	cmd.Flags().BoolVar(&f.approved, "approved", false, "Mark the run as approved ('approved' in step conditions)")
	cmd.Flags().StringArrayVar(&f.set, "set", nil, "Extra condition variable as KEY=VALUE (repeatable)")
}

// vars собирает переменные условий. branch и approved попадают в контекст,
// только если флаги заданы явно.
func (f *varFlags) vars(cmd *cobra.Command) (map[string]any, error) {
	vars, err := ParseVars(f.set)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("branch") {
		vars["branch"] = f.branch
	}
	if cmd.Flags().Changed("approved") {
		vars["approved"] = f.approved
	}
	if len(vars) == 0 {
		return nil, nil
	}
	return vars, nil
}

// ParseVars разбирает пары KEY=VALUE. Значение декодируется как YAML-скаляр:
// true/false становятся bool, числа — числами, остальное — строкой.
func ParseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, kv := range pairs {
		key, raw, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q, expected KEY=VALUE", kv)
		}

		var value any = raw
		var decoded any
		if err := yaml.Unmarshal([]byte(raw), &decoded); err == nil {
			switch decoded.(type) {
			case bool, int, float64:
				value = decoded
			}
		}
		vars[key] = value
	}
	return vars, nil
}

// runError возвращает ошибку для неуспешного run: CLI завершается с кодом 1.
func runError(run *RunResponse) error {
	switch run.Status {
	case "SUCCEEDED", "PENDING", "RUNNING":
		return nil
	}
	if run.Cause != "" {
		return fmt.Errorf("run %s %s: %s", run.ExecutionID, strings.ToLower(run.Status), run.Cause)
	}
	for _, s := range run.Steps {
		if s.State == "FAILED" && s.Critical {
			return fmt.Errorf("run %s failed: critical step %s: %s", run.ExecutionID, s.Name, s.Error)
		}
	}
	return fmt.Errorf("run %s %s", run.ExecutionID, strings.ToLower(run.Status))
}

func stageRows(stages []StageResponse) [][]string {
	rows := make([][]string, len(stages))
	for i, st := range stages {
		rows[i] = []string{fmt.Sprint(st.Index), strings.Join(st.Steps, ", ")}
	}
	return rows
}
