package engine

import (
	"github.com/shaiso/procorch/internal/domain"
)

// Node — узел в графе зависимостей.
type Node struct {
	// Step — определение шага.
	Step *domain.Step

	// Name — имя шага.
	Name string

	// Index — позиция шага в порядке объявления.
	Index int

	// InDegree — количество входящих рёбер (зависимостей).
	InDegree int

	// DependsOn — узлы, от которых зависит этот узел.
	DependsOn []*Node

	// Dependents — узлы, которые зависят от этого узла.
	Dependents []*Node
}

// DAG — граф шагов процесса. Ребро A → B означает "B зависит от A".
type DAG struct {
	// Nodes — все узлы графа (имя → Node).
	Nodes map[string]*Node

	// Ordered — узлы в порядке объявления шагов.
	Ordered []*Node

	// RootNodes — узлы без зависимостей (точки входа).
	RootNodes []*Node
}

// BuildDAG строит граф из ProcessDefinition.
//
// Ссылки на несуществующие шаги возвращают UnknownDependencyError.
// Циклы здесь не проверяются: граф с циклом строится, а отвергает его
// разбиение на стадии.
func BuildDAG(def *domain.ProcessDefinition) (*DAG, error) {
	dag := &DAG{
		Nodes:   make(map[string]*Node, len(def.Steps)),
		Ordered: make([]*Node, 0, len(def.Steps)),
	}

	// Первый проход: создаём все узлы
	for i := range def.Steps {
		dag.addNode(&def.Steps[i], i)
	}

	// Второй проход: связываем узлы по зависимостям
	for _, node := range dag.Ordered {
		if err := dag.linkDependencies(node); err != nil {
			return nil, err
		}
	}

	dag.findRootNodes()

	return dag, nil
}

// addNode добавляет узел в граф.
func (d *DAG) addNode(step *domain.Step, index int) {
	node := &Node{
		Step:       step,
		Name:       step.Name,
		Index:      index,
		DependsOn:  make([]*Node, 0, len(step.Dependencies)),
		Dependents: make([]*Node, 0),
	}
	d.Nodes[step.Name] = node
	d.Ordered = append(d.Ordered, node)
}

// linkDependencies связывает узел с его зависимостями.
func (d *DAG) linkDependencies(node *Node) error {
	for _, depName := range node.Step.Dependencies {
		depNode, exists := d.Nodes[depName]
		if !exists {
			return &UnknownDependencyError{Step: node.Name, Dependency: depName}
		}
		d.addEdge(depNode, node)
	}
	return nil
}

// addEdge добавляет ребро между узлами.
// Повторная зависимость не учитывается в InDegree дважды.
func (d *DAG) addEdge(from, to *Node) {
	for _, dep := range to.DependsOn {
		if dep == from {
			return
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
	to.InDegree++
}

// findRootNodes находит узлы без входящих рёбер (в порядке объявления).
func (d *DAG) findRootNodes() {
	d.RootNodes = make([]*Node, 0)
	for _, node := range d.Ordered {
		if node.InDegree == 0 {
			d.RootNodes = append(d.RootNodes, node)
		}
	}
}

// GetNode возвращает узел по имени.
func (d *DAG) GetNode(name string) *Node {
	return d.Nodes[name]
}

// Size возвращает количество узлов.
func (d *DAG) Size() int {
	return len(d.Nodes)
}

// names возвращает имена узлов.
func names(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}
