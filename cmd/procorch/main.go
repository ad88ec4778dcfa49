// procorch — инструмент командной строки оркестратора процессов.
//
// Локальные команды читают YAML-документ с процессами и работают без сервера,
// удалённые обращаются к procorch-api.
//
// Использование:
//
//	procorch [--api-url URL] [--json] <command> [flags]
//
// Команды:
//
//	validate   Проверить документ процессов
//	plan       Показать план выполнения процесса
//	run        Выполнить процесс локально
//	runs       Запуски на сервере (list, active, start, show, cancel)
//	processes  Процессы, загруженные сервером
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/procorch/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "procorch",
		Short:         "procorch — process orchestration engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("PROCORCH_API_URL"); v != "" {
		defaultURL = v
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewValidateCmd(outputFn),
		cli.NewPlanCmd(outputFn),
		cli.NewRunCmd(outputFn),
		cli.NewRunsCmd(clientFn, outputFn),
		cli.NewProcessesCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
