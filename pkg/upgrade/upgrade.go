package upgrade

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/health"
)

// State is the phase of an upgrade
type State string

const (
	StateRollingForward       State = "rolling_forward"
	StateRollingBack          State = "rolling_back"
	StateInterrupted          State = "interrupted"
	StateCompletedRollforward State = "completed_rollforward"
	StateCompletedRollback    State = "completed_rollback"
	StateFailed               State = "failed"
)

// IsTerminal reports whether no further domain work is expected
func (s State) IsTerminal() bool {
	switch s {
	case StateCompletedRollforward, StateCompletedRollback, StateFailed:
		return true
	}
	return false
}

// IsRolling reports whether domains are being walked
func (s State) IsRolling() bool {
	return s == StateRollingForward || s == StateRollingBack
}

// Mode controls how domains advance
type Mode string

const (
	ModeUnmonitoredAuto   Mode = "unmonitored_auto"
	ModeUnmonitoredManual Mode = "unmonitored_manual"
	ModeMonitored         Mode = "monitored"
)

// Request is a validated upgrade request
type Request struct {
	TargetVersion string
	Parameters    map[string]string
	Mode          Mode
	HealthPolicy  *health.Policy
}

// Validate checks the request shape
func (r *Request) Validate() error {
	if r.TargetVersion == "" {
		return fmt.Errorf("target version is required: %w", errdefs.NotValid)
	}
	switch r.Mode {
	case ModeUnmonitoredAuto, ModeUnmonitoredManual:
	case ModeMonitored:
		if err := r.HealthPolicy.Validate(); err != nil {
			return fmt.Errorf("monitored upgrade: %w", err)
		}
	default:
		return fmt.Errorf("unknown upgrade mode %q: %w", r.Mode, errdefs.NotValid)
	}
	return nil
}

// GoalState is a queued target that replaces TargetVersion once the
// current rollforward completes
type GoalState struct {
	TargetVersion string            `json:"target_version"`
	Parameters    map[string]string `json:"parameters,omitempty"`
	Mode          Mode              `json:"mode"`
	HealthPolicy  *health.Policy    `json:"health_policy,omitempty"`
}

func (g *GoalState) request() Request {
	return Request{
		TargetVersion: g.TargetVersion,
		Parameters:    g.Parameters,
		Mode:          g.Mode,
		HealthPolicy:  g.HealthPolicy,
	}
}

// Domains tracks upgrade domain progress. Completed, InProgress and Pending
// are disjoint and, concatenated, reproduce Order.
type Domains struct {
	Order      []string `json:"order"`
	Completed  []string `json:"completed"`
	InProgress string   `json:"in_progress,omitempty"`
	Pending    []string `json:"pending"`
}

func newDomains(order []string) Domains {
	return Domains{
		Order:     slices.Clone(order),
		Completed: []string{},
		Pending:   slices.Clone(order),
	}
}

// Progress is the upgrade state machine shared by applications, the
// cluster runtime and compose deployments
type Progress struct {
	State           State             `json:"state"`
	Mode            Mode              `json:"mode"`
	Instance        uint64            `json:"instance"`
	CurrentVersion  string            `json:"current_version"`
	TargetVersion   string            `json:"target_version"`
	RollbackVersion string            `json:"rollback_version,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	Domains         Domains           `json:"domains"`
	VerifiedDomains []string          `json:"verified_domains,omitempty"`
	HealthPolicy    *health.Policy    `json:"health_policy,omitempty"`
	Baseline        *health.Baseline  `json:"baseline,omitempty"`
	GoalState       *GoalState        `json:"goal_state,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
}

// NewProgress returns an idle state machine running version
func NewProgress(version string, parameters map[string]string) *Progress {
	return &Progress{
		State:          StateCompletedRollforward,
		Mode:           ModeUnmonitoredAuto,
		CurrentVersion: version,
		TargetVersion:  version,
		Parameters:     maps.Clone(parameters),
		Domains:        newDomains(nil),
	}
}

// Matches reports whether req asks for exactly the current target
func (p *Progress) Matches(req Request) bool {
	return p.TargetVersion == req.TargetVersion &&
		p.Mode == req.Mode &&
		maps.Equal(p.Parameters, req.Parameters) &&
		samePolicy(p.HealthPolicy, req.HealthPolicy)
}

// IsNoop reports whether req would leave a settled upgrade unchanged
func (p *Progress) IsNoop(req Request) bool {
	return p.CurrentVersion == req.TargetVersion && maps.Equal(p.Parameters, req.Parameters)
}

// Start begins a new rollforward towards req over the given domain order
func (p *Progress) Start(req Request, domains []string, now time.Time) error {
	if p.State.IsRolling() {
		return fmt.Errorf("cannot start while %s: %w", p.State, errdefs.UpgradeInProgress)
	}
	if err := req.Validate(); err != nil {
		return err
	}

	p.Instance++
	p.State = StateRollingForward
	p.Mode = req.Mode
	p.TargetVersion = req.TargetVersion
	p.RollbackVersion = ""
	p.Parameters = maps.Clone(req.Parameters)
	p.HealthPolicy = req.HealthPolicy
	p.Baseline = nil
	p.GoalState = nil
	p.VerifiedDomains = nil
	p.FailureReason = ""
	p.Domains = newDomains(domains)
	p.StartedAt = now
	p.FinishedAt = time.Time{}
	return nil
}

// Interrupt stops the upgrade. Interrupting an interrupted upgrade is a
// no-op whatever the requested target. When the requested target of a
// running upgrade equals the current version the interruption converges to
// a successful rollforward instead.
func (p *Progress) Interrupt(requestedTarget string, now time.Time) (bool, error) {
	switch {
	case p.State == StateInterrupted:
		return false, nil
	case p.State.IsTerminal():
		return false, fmt.Errorf("cannot interrupt %s upgrade: %w", p.State, errdefs.UpgradeNotInProgress)
	}

	if requestedTarget != "" && requestedTarget == p.CurrentVersion {
		return true, p.ConvergeToCurrent(now)
	}

	p.State = StateInterrupted
	p.GoalState = nil
	return true, nil
}

// ConvergeToCurrent resolves an interrupted upgrade whose new target is the
// version already current: nothing is left to do, so it completes forward.
func (p *Progress) ConvergeToCurrent(now time.Time) error {
	if p.State.IsTerminal() {
		return fmt.Errorf("cannot converge %s upgrade: %w", p.State, errdefs.UpgradeNotInProgress)
	}

	p.TargetVersion = p.CurrentVersion
	p.RollbackVersion = ""
	p.GoalState = nil
	p.completeRemainingDomains()
	p.State = StateCompletedRollforward
	p.FinishedAt = now
	return nil
}

// StageGoalState queues req to run after the current rollforward
func (p *Progress) StageGoalState(req Request) error {
	if p.State != StateRollingForward {
		return fmt.Errorf("goal state requires a rolling forward upgrade, got %s: %w", p.State, errdefs.UpgradeNotInProgress)
	}
	if err := req.Validate(); err != nil {
		return err
	}

	p.GoalState = &GoalState{
		TargetVersion: req.TargetVersion,
		Parameters:    maps.Clone(req.Parameters),
		Mode:          req.Mode,
		HealthPolicy:  req.HealthPolicy,
	}
	return nil
}

// PromoteGoalState starts the queued goal state after a completed
// rollforward. It returns false when there is nothing queued.
func (p *Progress) PromoteGoalState(now time.Time) (bool, error) {
	if p.GoalState == nil {
		return false, nil
	}
	if p.State != StateCompletedRollforward {
		return false, fmt.Errorf("goal state can only follow a completed rollforward, got %s: %w", p.State, errdefs.InvariantViolation)
	}

	req := p.GoalState.request()
	if err := p.Start(req, p.Domains.Order, now); err != nil {
		return false, err
	}
	return true, nil
}

// StartRollback walks the domains back to the version that was current
// before the upgrade started
func (p *Progress) StartRollback() error {
	switch p.State {
	case StateRollingForward, StateInterrupted:
	case StateRollingBack:
		return nil
	default:
		return fmt.Errorf("cannot roll back %s upgrade: %w", p.State, errdefs.UpgradeNotInProgress)
	}
	if p.CurrentVersion == p.TargetVersion {
		return fmt.Errorf("no previous version to roll back to: %w", errdefs.NotValid)
	}

	p.Instance++
	p.State = StateRollingBack
	p.RollbackVersion = p.CurrentVersion
	p.GoalState = nil
	p.VerifiedDomains = nil
	p.Domains = newDomains(p.Domains.Order)
	return nil
}

// NextDomain returns the domain that would be started next
func (p *Progress) NextDomain() (string, bool) {
	if !p.State.IsRolling() || p.Domains.InProgress != "" || len(p.Domains.Pending) == 0 {
		return "", false
	}
	return p.Domains.Pending[0], true
}

// MoveNextDomain starts domain, which must be the unique next pending
// domain while no other domain is in progress
func (p *Progress) MoveNextDomain(domain string) error {
	if !p.State.IsRolling() {
		return fmt.Errorf("cannot move domains while %s: %w", p.State, errdefs.UpgradeNotInProgress)
	}
	next, ok := p.NextDomain()
	if !ok || next != domain {
		return fmt.Errorf("domain %q is not the next pending domain: %w", domain, errdefs.InvalidUpgradeDomain)
	}

	p.Domains.Pending = p.Domains.Pending[1:]
	p.Domains.InProgress = domain
	return nil
}

// CompleteDomain records that the in-progress domain finished for the given
// upgrade instance. It returns true when the upgrade reached a terminal state.
func (p *Progress) CompleteDomain(instance uint64, domain string, now time.Time) (bool, error) {
	if instance < p.Instance {
		return false, fmt.Errorf("instance %d, current %d: %w", instance, p.Instance, errdefs.StaleUpgradeInstance)
	}
	if instance > p.Instance {
		return false, fmt.Errorf("instance %d ahead of current %d: %w", instance, p.Instance, errdefs.InvariantViolation)
	}
	if !p.State.IsRolling() {
		return false, fmt.Errorf("cannot complete domain while %s: %w", p.State, errdefs.UpgradeNotInProgress)
	}
	if p.Domains.InProgress != domain {
		return false, fmt.Errorf("domain %q is not in progress: %w", domain, errdefs.InvalidUpgradeDomain)
	}

	p.Domains.Completed = append(p.Domains.Completed, domain)
	p.Domains.InProgress = ""

	if len(p.Domains.Pending) > 0 {
		return false, nil
	}
	p.finish(now)
	return true, nil
}

// FinishIfDrained completes an upgrade that has no domains left to walk,
// which happens when the domain order is empty
func (p *Progress) FinishIfDrained(now time.Time) bool {
	if !p.State.IsRolling() || p.Domains.InProgress != "" || len(p.Domains.Pending) > 0 {
		return false
	}
	p.finish(now)
	return true
}

func (p *Progress) finish(now time.Time) {
	if p.State == StateRollingBack {
		p.State = StateCompletedRollback
		p.CurrentVersion = p.RollbackVersion
	} else {
		p.State = StateCompletedRollforward
		p.CurrentVersion = p.TargetVersion
	}
	p.FinishedAt = now
}

// VerifyDomains accepts manual verification reports, keeping only domains
// already completed. The accepted domains are returned.
func (p *Progress) VerifyDomains(domains []string) []string {
	var accepted []string
	for _, d := range domains {
		if !slices.Contains(p.Domains.Completed, d) || slices.Contains(p.VerifiedDomains, d) {
			continue
		}
		p.VerifiedDomains = append(p.VerifiedDomains, d)
		accepted = append(accepted, d)
	}
	return accepted
}

// Fail marks the upgrade failed
func (p *Progress) Fail(reason string, now time.Time) {
	p.State = StateFailed
	p.FailureReason = reason
	p.GoalState = nil
	p.FinishedAt = now
}

// ReferencesVersion reports whether version must stay provisioned for this
// upgrade
func (p *Progress) ReferencesVersion(version string) bool {
	if version == p.CurrentVersion {
		return true
	}
	if p.State.IsTerminal() {
		return false
	}
	if version == p.TargetVersion || version == p.RollbackVersion {
		return true
	}
	return p.GoalState != nil && p.GoalState.TargetVersion == version
}

// CheckInvariants verifies the domain and version invariants
func (p *Progress) CheckInvariants() error {
	if p.State == StateRollingBack || p.State == StateCompletedRollback {
		if p.RollbackVersion == "" || p.RollbackVersion == p.TargetVersion {
			return fmt.Errorf("rollback version %q invalid for target %q: %w", p.RollbackVersion, p.TargetVersion, errdefs.InvariantViolation)
		}
	}

	seen := make(map[string]bool, len(p.Domains.Order))
	var sequence []string
	sequence = append(sequence, p.Domains.Completed...)
	if p.Domains.InProgress != "" {
		sequence = append(sequence, p.Domains.InProgress)
	}
	sequence = append(sequence, p.Domains.Pending...)

	for _, d := range sequence {
		if seen[d] {
			return fmt.Errorf("domain %q appears twice: %w", d, errdefs.InvariantViolation)
		}
		seen[d] = true
	}
	if !slices.Equal(sequence, p.Domains.Order) {
		return fmt.Errorf("domains %v do not reproduce order %v: %w", sequence, p.Domains.Order, errdefs.InvariantViolation)
	}
	return nil
}

func (p *Progress) completeRemainingDomains() {
	p.Domains.Completed = slices.Clone(p.Domains.Order)
	p.Domains.InProgress = ""
	p.Domains.Pending = []string{}
}

func samePolicy(a, b *health.Policy) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
