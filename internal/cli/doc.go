// Package cli реализует инструмент командной строки procorch.
//
// # Обзор
//
// Команды делятся на две группы:
//   - локальные (validate, plan, run) — читают YAML-документ и выполняют
//     процесс в текущем процессе ОС, без сервера
//   - удалённые (processes, runs) — работают с procorch-api по HTTP
//     через Client и не импортируют internal/api
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для procorch API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	runs, err := client.ListRuns(cli.ListRunsOpts{Process: "deploy"})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Статусы run и шагов подсвечиваются через lipgloss, если stderr/stdout
// — терминал. Это позволяет использовать pipe: procorch runs list --json | jq .
//
// ## Commands
//
//   - validate, plan, run — локальные
//   - processes: list, plan
//   - runs: list, active, start, show, cancel
//
// Удалённые группы создаются через фабричные функции (NewRunsCmd и т.д.),
// принимающие clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
