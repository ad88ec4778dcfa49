package engine

import (
	"slices"

	"github.com/shaiso/procorch/internal/domain"
)

// Stage — набор шагов без зависимостей между собой.
// Все зависимости шагов стадии находятся в предыдущих стадиях.
type Stage struct {
	Index int      `json:"index"`
	Steps []string `json:"steps"`
}

// ExecutionPlan — результат разрешения зависимостей процесса.
//
// План только для чтения и пересчитывается при изменении определения
// (см. Fingerprint). Стадии используются для планирования и вывода:
// движок запускает шаг, как только завершены его зависимости,
// не дожидаясь остальных шагов предыдущей стадии.
type ExecutionPlan struct {
	Process     string  `json:"process"`
	Fingerprint string  `json:"fingerprint"`
	Stages      []Stage `json:"stages"`

	def     *domain.ProcessDefinition
	dag     *DAG
	stageOf map[string]int
}

// BuildPlan валидирует определение и разбивает шаги на стадии.
//
// Алгоритм Кана по уровням: на каждом шаге все узлы с нулевой
// входящей степенью образуют очередную стадию, после чего степени
// их зависимых уменьшаются. Если узлы закончились раньше, чем граф,
// оставшиеся узлы содержат цикл — возвращается CycleError.
//
// Внутри стадии шаги упорядочены по порядку объявления, поэтому
// повторное разрешение одного и того же определения даёт тот же план.
func BuildPlan(def *domain.ProcessDefinition) (*ExecutionPlan, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	dag, err := BuildDAG(def)
	if err != nil {
		return nil, err
	}

	stages, err := stageNodes(dag)
	if err != nil {
		return nil, err
	}

	plan := &ExecutionPlan{
		Process:     def.Name,
		Fingerprint: def.Fingerprint(),
		Stages:      make([]Stage, len(stages)),
		def:         def,
		dag:         dag,
		stageOf:     make(map[string]int, dag.Size()),
	}
	for i, nodes := range stages {
		plan.Stages[i] = Stage{Index: i, Steps: names(nodes)}
		for _, n := range nodes {
			plan.stageOf[n.Name] = i
		}
	}

	return plan, nil
}

// stageNodes выполняет разбиение графа на уровни.
func stageNodes(dag *DAG) ([][]*Node, error) {
	// Копируем InDegree, чтобы не модифицировать граф
	inDegree := make(map[*Node]int, dag.Size())
	for _, node := range dag.Ordered {
		inDegree[node] = node.InDegree
	}

	var stages [][]*Node
	placed := 0
	current := slices.Clone(dag.RootNodes)

	for len(current) > 0 {
		stages = append(stages, current)
		placed += len(current)

		next := make([]*Node, 0)
		for _, node := range current {
			for _, dependent := range node.Dependents {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		slices.SortFunc(next, func(a, b *Node) int { return a.Index - b.Index })
		current = next
	}

	if placed != dag.Size() {
		return nil, &CycleError{Steps: findCycle(dag, inDegree)}
	}

	return stages, nil
}

// findCycle выделяет один цикл среди узлов, не попавших в стадии.
//
// Сначала отбрасываются узлы, которые лишь стоят ниже цикла по графу
// (у них не остаётся зависимых среди оставшихся). Затем от первого
// оставшегося узла идём по зависимостям, пока не встретим узел повторно.
func findCycle(dag *DAG, inDegree map[*Node]int) []string {
	remaining := make(map[*Node]bool)
	for _, node := range dag.Ordered {
		if inDegree[node] > 0 {
			remaining[node] = true
		}
	}

	for changed := true; changed; {
		changed = false
		for _, node := range dag.Ordered {
			if !remaining[node] {
				continue
			}
			if !slices.ContainsFunc(node.Dependents, func(n *Node) bool { return remaining[n] }) {
				delete(remaining, node)
				changed = true
			}
		}
	}

	var start *Node
	for _, node := range dag.Ordered {
		if remaining[node] {
			start = node
			break
		}
	}
	if start == nil {
		return nil
	}

	pos := make(map[*Node]int)
	path := make([]*Node, 0)
	for node := start; ; {
		if i, seen := pos[node]; seen {
			path = path[i:]
			break
		}
		pos[node] = len(path)
		path = append(path, node)

		for _, dep := range node.DependsOn {
			if remaining[dep] {
				node = dep
				break
			}
		}
	}

	// Путь шёл против рёбер: разворачиваем в порядок выполнения
	// и начинаем с шага, объявленного раньше остальных.
	slices.Reverse(path)
	first := 0
	for i, n := range path {
		if n.Index < path[first].Index {
			first = i
		}
	}
	path = append(path[first:], path[:first]...)

	return names(path)
}

// Definition возвращает определение процесса, по которому построен план.
func (p *ExecutionPlan) Definition() *domain.ProcessDefinition {
	return p.def
}

// Step возвращает шаг по имени или nil.
func (p *ExecutionPlan) Step(name string) *domain.Step {
	if node := p.dag.GetNode(name); node != nil {
		return node.Step
	}
	return nil
}

// StageOf возвращает номер стадии шага или -1.
func (p *ExecutionPlan) StageOf(name string) int {
	if i, ok := p.stageOf[name]; ok {
		return i
	}
	return -1
}

// Dependencies возвращает имена зависимостей шага без повторов.
func (p *ExecutionPlan) Dependencies(name string) []string {
	node := p.dag.GetNode(name)
	if node == nil {
		return nil
	}
	return names(node.DependsOn)
}

// Dependents возвращает имена шагов, зависящих от данного.
func (p *ExecutionPlan) Dependents(name string) []string {
	node := p.dag.GetNode(name)
	if node == nil {
		return nil
	}
	return names(node.Dependents)
}

// Order возвращает имена шагов в порядке объявления.
func (p *ExecutionPlan) Order() []string {
	return names(p.dag.Ordered)
}

// Size возвращает количество шагов.
func (p *ExecutionPlan) Size() int {
	return p.dag.Size()
}

// MaxParallel возвращает размер пула воркеров для плана.
func (p *ExecutionPlan) MaxParallel() int {
	if p.def.MaxParallel > 0 {
		return p.def.MaxParallel
	}
	return p.Size()
}
