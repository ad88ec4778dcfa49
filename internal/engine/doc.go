// Package engine содержит Dependency Resolver процессов.
//
// Включает:
//   - validate.go  — проверка ProcessDefinition до построения графа
//   - dag.go       — построение графа зависимостей шагов
//   - plan.go      — разбиение графа на стадии (ExecutionPlan), поиск циклов
//   - condition.go — разбор и вычисление условий шагов
//
// Пакет ничего не выполняет: он отвечает за понимание структуры процесса
// и порядок, в котором шаги могут запускаться.
package engine
