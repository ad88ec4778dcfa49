package engine

import (
	"strings"

	"github.com/shaiso/procorch/internal/domain"
)

// Context — контекст запуска, над которым вычисляются условия шагов.
//
// Доступные идентификаторы:
//   - environment (alias env) — целевое окружение
//   - branch, approved и любые другие ключи Vars
//   - vars.<key> — явное обращение к Vars
//   - steps.<name>.state — состояние уже завершённого шага
type Context struct {
	// Environment — целевое окружение запуска.
	Environment string

	// Vars — значения из запроса (branch, approved, --set k=v).
	Vars map[string]any

	// States — функция получения состояния шага. Может быть nil.
	States func(step string) (domain.StepState, bool)
}

// NewContext создаёт контекст для окружения и переменных запуска.
func NewContext(environment string, vars map[string]any) *Context {
	if vars == nil {
		vars = make(map[string]any)
	}
	return &Context{
		Environment: environment,
		Vars:        vars,
	}
}

// Lookup возвращает значение идентификатора.
// Неизвестный идентификатор возвращает (nil, false) и сравнивается как пустое значение.
func (c *Context) Lookup(name string) (any, bool) {
	switch name {
	case "environment", "env":
		if v, ok := c.Vars[name]; ok {
			return v, true
		}
		return c.Environment, true
	}

	if rest, ok := strings.CutPrefix(name, "vars."); ok {
		v, ok := c.Vars[rest]
		return v, ok
	}

	if rest, ok := strings.CutPrefix(name, "steps."); ok && c.States != nil {
		step := strings.TrimSuffix(rest, ".state")
		if state, ok := c.States(step); ok {
			return string(state), true
		}
		return nil, false
	}

	v, ok := c.Vars[name]
	return v, ok
}
