// Package retry оборачивает вызов шага политикой повторов и circuit breaker.
//
//   - policy.go   — стратегии задержки (fixed, linear, exponential с jitter)
//   - breaker.go  — circuit breaker: Closed → Open → HalfOpen → Closed
//   - registry.go — долгоживущие breaker'ы по ключу
//   - invoke.go   — цикл попыток с учётом breaker и отмены
package retry
