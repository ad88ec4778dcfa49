// Package resource распределяет ограниченную ёмкость хоста между шагами.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/procorch/internal/domain"
)

// ErrResourceExhausted — ёмкость не освободилась до истечения timeout.
var ErrResourceExhausted = errors.New("resource exhausted")

// Множители запроса по умолчанию.
var defaultMultipliers = map[domain.Priority]float64{
	domain.PriorityHigh:   1.5,
	domain.PriorityNormal: 1.0,
	domain.PriorityLow:    0.5,
}

// Config — настройки Manager.
type Config struct {
	// CPU и Memory — потолок пула в процентах. 0 — 100.
	CPU    float64
	Memory float64

	// Slots — максимум одновременных grant'ов. 0 — без ограничения.
	Slots int

	// Headroom — доля потолка, которая никогда не выдаётся шагам.
	Headroom float64

	// Multipliers — множители запроса по приоритету.
	Multipliers map[domain.Priority]float64

	Logger *slog.Logger

	// OnChange вызывается после каждого изменения пула (вне блокировки).
	OnChange func(domain.ResourceSnapshot)

	// Now — источник времени. nil — time.Now.
	Now func() time.Time
}

// ConfigFromSettings переводит настройки документа в Config.
func ConfigFromSettings(s domain.ResourceSettings) Config {
	return Config{
		CPU:         s.CPU,
		Memory:      s.Memory,
		Slots:       s.Slots,
		Headroom:    s.Headroom,
		Multipliers: s.Multipliers,
	}
}

// Grant — выделенная шагу ёмкость.
type Grant struct {
	ID        uuid.UUID
	Step      string
	CPU       float64
	Memory    float64
	Priority  domain.Priority
	GrantedAt time.Time
}

// Manager — пул ресурсов.
//
// Доступно = потолок × (1 − headroom) + временная добавка − выданное.
// Все операции выделения и освобождения атомарны относительно друг друга.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	usedCPU   float64
	usedMem   float64
	grants    map[uuid.UUID]*Grant
	burstCPU  float64
	burstMem  float64
	burstTill time.Time

	// wake закрывается и пересоздаётся при каждом освобождении:
	// все ожидающие Allocate перепроверяют ёмкость.
	wake chan struct{}
}

// New создаёт Manager.
func New(cfg Config) *Manager {
	if cfg.CPU <= 0 {
		cfg.CPU = 100
	}
	if cfg.Memory <= 0 {
		cfg.Memory = 100
	}
	if cfg.Headroom < 0 || cfg.Headroom >= 1 {
		cfg.Headroom = 0
	}
	mult := make(map[domain.Priority]float64, len(defaultMultipliers))
	for p, m := range defaultMultipliers {
		mult[p] = m
	}
	for p, m := range cfg.Multipliers {
		if m > 0 {
			mult[p] = m
		}
	}
	cfg.Multipliers = mult
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:    cfg,
		logger: logger,
		grants: make(map[uuid.UUID]*Grant),
		wake:   make(chan struct{}),
	}
}

// Allocate выделяет ёмкость шагу, ожидая освобождения не дольше timeout.
// timeout <= 0 — ждать до отмены ctx.
func (m *Manager) Allocate(ctx context.Context, step string, req domain.ResourceRequirements, timeout time.Duration) (*Grant, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		m.mu.Lock()
		cpu, mem := m.effective(req)
		if m.fitsLocked(cpu, mem) {
			g := &Grant{
				ID:        uuid.New(),
				Step:      step,
				CPU:       cpu,
				Memory:    mem,
				Priority:  priorityOf(req),
				GrantedAt: m.cfg.Now(),
			}
			m.grants[g.ID] = g
			m.usedCPU += cpu
			m.usedMem += mem
			snap := m.snapshotLocked()
			m.mu.Unlock()

			m.changed(snap)
			return g, nil
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			return nil, fmt.Errorf("%w: step %s requested cpu=%.1f memory=%.1f within %s",
				ErrResourceExhausted, step, cpu, mem, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release возвращает ёмкость в пул. Повторный вызов безопасен.
func (m *Manager) Release(g *Grant) {
	if g == nil {
		return
	}

	m.mu.Lock()
	if _, ok := m.grants[g.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.grants, g.ID)
	m.usedCPU = math.Max(0, m.usedCPU-g.CPU)
	m.usedMem = math.Max(0, m.usedMem-g.Memory)
	m.broadcastLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.changed(snap)
}

// Expand временно добавляет ёмкость из headroom на время d.
// Добавка не выходит за потолок: headroom защищает хост лишь частично.
func (m *Manager) Expand(cpu, mem float64, d time.Duration) {
	m.mu.Lock()
	maxCPU := m.cfg.CPU * m.cfg.Headroom
	maxMem := m.cfg.Memory * m.cfg.Headroom
	m.burstCPU = math.Min(math.Max(0, cpu), maxCPU)
	m.burstMem = math.Min(math.Max(0, mem), maxMem)
	m.burstTill = m.cfg.Now().Add(d)
	grantedCPU, grantedMem := m.burstCPU, m.burstMem
	m.broadcastLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("resource capacity expanded",
		"cpu", grantedCPU,
		"memory", grantedMem,
		"duration", d,
	)
	m.changed(snap)
}

// Fits проверяет, поместится ли запрос прямо сейчас.
func (m *Manager) Fits(req domain.ResourceRequirements) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cpu, mem := m.effective(req)
	return m.fitsLocked(cpu, mem)
}

// Snapshot возвращает текущее состояние пула.
func (m *Manager) Snapshot() domain.ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// effective масштабирует запрос по приоритету и ограничивает его потолком.
func (m *Manager) effective(req domain.ResourceRequirements) (float64, float64) {
	mult := m.cfg.Multipliers[priorityOf(req)]
	if mult <= 0 {
		mult = 1
	}
	usableCPU, usableMem := m.usableLocked()
	return math.Min(req.CPU*mult, usableCPU), math.Min(req.Memory*mult, usableMem)
}

func (m *Manager) usableLocked() (float64, float64) {
	cpu := m.cfg.CPU * (1 - m.cfg.Headroom)
	mem := m.cfg.Memory * (1 - m.cfg.Headroom)
	if m.cfg.Now().Before(m.burstTill) {
		cpu += m.burstCPU
		mem += m.burstMem
	}
	return cpu, mem
}

const epsilon = 1e-9

func (m *Manager) fitsLocked(cpu, mem float64) bool {
	if m.cfg.Slots > 0 && len(m.grants) >= m.cfg.Slots {
		return false
	}
	usableCPU, usableMem := m.usableLocked()
	return m.usedCPU+cpu <= usableCPU+epsilon && m.usedMem+mem <= usableMem+epsilon
}

func (m *Manager) broadcastLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

func (m *Manager) snapshotLocked() domain.ResourceSnapshot {
	usableCPU, usableMem := m.usableLocked()
	return domain.ResourceSnapshot{
		UsedCPU:      m.usedCPU,
		UsedMemory:   m.usedMem,
		UsableCPU:    usableCPU,
		UsableMemory: usableMem,
		UsedSlots:    len(m.grants),
		Slots:        m.cfg.Slots,
		Grants:       len(m.grants),
	}
}

func (m *Manager) changed(snap domain.ResourceSnapshot) {
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(snap)
	}
}

func priorityOf(req domain.ResourceRequirements) domain.Priority {
	if req.Priority == "" {
		return domain.PriorityNormal
	}
	return req.Priority
}
