// Package lifecycle — менеджер подсистем сервиса. Узлы регистрируются с родителем и
// зависимостями; запуск идёт в порядке регистрации с подъёмом зависимостей вперёд,
// остановка — строго в обратном фактическом порядке. Контекст узла наследует отмену
// родителя, поэтому остановка ветки гасит все её фоновые циклы.
package lifecycle

import (
	"context"
	stderrors "errors"
	"slices"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"kingtg-userbot/internal/infra/logger"
)

// StartFunc запускает узел. Возвращённый контекст (если не nil) становится родительским
// для дочерних узлов; ошибка помечает узел как failed.
type StartFunc func(ctx context.Context) (context.Context, error)

// StopFunc останавливает узел. Контекст узла к моменту вызова уже отменён.
type StopFunc func(ctx context.Context) error

// Status — состояние узла.
type Status int

const (
	StatusRegistered Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRegistered:
		return "registered"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const rootName = "root"

// Node описывает регистрируемую подсистему.
type Node struct {
	Name   string
	Parent string
	Deps   []string
	Start  StartFunc
	Stop   StopFunc
}

type node struct {
	Node

	ctx    context.Context
	cancel context.CancelFunc
	status Status
	err    error
}

// Manager управляет набором узлов. Потокобезопасен.
type Manager struct {
	mu         sync.Mutex
	nodes      map[string]*node
	regOrder   []string
	startOrder []string
	log        *zap.Logger
}

// New создаёт менеджер с корневым узлом в состоянии Running.
func New(rootCtx context.Context) *Manager {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Manager{
		nodes: map[string]*node{
			rootName: {Node: Node{Name: rootName}, ctx: rootCtx, status: StatusRunning},
		},
		log: logger.Named("lifecycle"),
	}
}

// Register добавляет узел. Пустой Parent означает root. Дубликаты deps и зависимость
// от родителя отбрасываются; зависимость от самого себя — ошибка.
func (m *Manager) Register(spec Node) error {
	if spec.Name == "" || spec.Name == rootName {
		return errors.Errorf("lifecycle: invalid node name %q", spec.Name)
	}
	if spec.Parent == "" {
		spec.Parent = rootName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nodes[spec.Name]; exists {
		return errors.Errorf("lifecycle: node %q already registered", spec.Name)
	}
	if _, ok := m.nodes[spec.Parent]; !ok {
		return errors.Errorf("lifecycle: parent %q not found for node %q", spec.Parent, spec.Name)
	}

	deps := slices.Clone(spec.Deps)
	slices.Sort(deps)
	deps = slices.Compact(deps)
	deps = slices.DeleteFunc(deps, func(d string) bool { return d == spec.Parent })
	if slices.Contains(deps, spec.Name) {
		return errors.Errorf("lifecycle: node %q cannot depend on itself", spec.Name)
	}
	spec.Deps = deps

	m.nodes[spec.Name] = &node{Node: spec, status: StatusRegistered}
	m.regOrder = append(m.regOrder, spec.Name)
	return nil
}

// StartAll запускает узлы в порядке регистрации. Ошибки отдельных узлов объединяются,
// остальные узлы всё равно пытаются стартовать.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	names := slices.Clone(m.regOrder)
	m.mu.Unlock()

	var errs error
	for _, name := range names {
		if err := m.startNode(name); err != nil {
			errs = stderrors.Join(errs, err)
		}
	}
	m.log.Debug("Start order", zap.Strings("nodes", m.StartOrder()))
	return errs
}

func (m *Manager) startNode(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok {
		m.mu.Unlock()
		return errors.Errorf("lifecycle: node %q not registered", name)
	}
	switch n.status {
	case StatusRunning:
		m.mu.Unlock()
		return nil
	case StatusStarting:
		m.mu.Unlock()
		return errors.Errorf("lifecycle: dependency cycle at %q", name)
	case StatusFailed:
		err := n.err
		m.mu.Unlock()
		return errors.Wrapf(err, "lifecycle: node %q failed earlier", name)
	}
	n.status = StatusStarting
	m.mu.Unlock()

	for _, dep := range append([]string{n.Parent}, n.Deps...) {
		if err := m.startNode(dep); err != nil {
			m.fail(name, err)
			return errors.Wrapf(err, "start %q", name)
		}
	}

	m.mu.Lock()
	parentCtx := m.nodes[n.Parent].ctx
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(parentCtx)
	if n.Start != nil {
		started, err := n.Start(ctx)
		if err != nil {
			cancel()
			m.fail(name, err)
			m.log.Error("Node failed to start", zap.String("node", name), zap.Error(err))
			return errors.Wrapf(err, "start %q", name)
		}
		if started != nil && started != ctx {
			// Производный контекст узла гасится вместе с нашим.
			bridged, bridgedCancel := context.WithCancel(started)
			stopAfter := context.AfterFunc(ctx, bridgedCancel)
			base := cancel
			cancel = func() {
				base()
				stopAfter()
				bridgedCancel()
			}
			ctx = bridged
		}
	}

	m.mu.Lock()
	n.ctx = ctx
	n.cancel = cancel
	n.status = StatusRunning
	n.err = nil
	if !slices.Contains(m.startOrder, name) {
		m.startOrder = append(m.startOrder, name)
	}
	m.mu.Unlock()

	m.log.Debug("Node running", zap.String("node", name))
	return nil
}

func (m *Manager) fail(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[name]; ok {
		n.status = StatusFailed
		n.err = err
	}
}

// Shutdown останавливает запущенные узлы в обратном порядке старта.
func (m *Manager) Shutdown() error {
	order := m.StartOrder()
	var errs error
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopNode(order[i]); err != nil {
			errs = stderrors.Join(errs, err)
		}
	}
	return errs
}

func (m *Manager) stopNode(name string) error {
	m.mu.Lock()
	n, ok := m.nodes[name]
	if !ok || n.status != StatusRunning {
		m.mu.Unlock()
		return nil
	}
	n.status = StatusStopping
	cancel, stop, ctx := n.cancel, n.Stop, n.ctx
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if stop != nil {
		err = stop(ctx)
	}

	m.mu.Lock()
	if err != nil {
		n.status = StatusFailed
		n.err = err
	} else {
		n.status = StatusStopped
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Error("Node stopped with error", zap.String("node", name), zap.Error(err))
		return errors.Wrapf(err, "stop %q", name)
	}
	m.log.Debug("Node stopped", zap.String("node", name))
	return nil
}

// StartOrder возвращает фактический порядок запуска.
func (m *Manager) StartOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.startOrder)
}

// Status возвращает состояние узла и его последнюю ошибку.
func (m *Manager) Status(name string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[name]
	if !ok {
		return StatusFailed, errors.Errorf("lifecycle: node %q not registered", name)
	}
	return n.status, n.err
}

// Check возвращает health-проверку: ошибка, если узел не в состоянии Running.
func (m *Manager) Check(name string) func() error {
	return func() error {
		st, err := m.Status(name)
		if st == StatusRunning {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "%s is %s", name, st)
		}
		return errors.Errorf("%s is %s", name, st)
	}
}
