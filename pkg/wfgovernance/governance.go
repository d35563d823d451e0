// Package wfgovernance implements the governance services: proofs,
// approvals, and vote topics that feed decisions back onto phase exit
// gates, plus defect tracking and agent notifications.
package wfgovernance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/arranger/pkg/wfevents"
)

// ProofType distinguishes evidence-of-work from evidence-of-agreement.
type ProofType string

const (
	ProofWork      ProofType = "work"
	ProofAgreement ProofType = "agreement"
)

// AttestationStatus is a Proof's acknowledgement state.
type AttestationStatus string

const (
	AttestationPending  AttestationStatus = "pending"
	AttestationApproved AttestationStatus = "approved"
	AttestationRejected AttestationStatus = "rejected"
)

// Proof is evidence attached to a phase; identity is ID, and upserting by
// ID replaces the prior record.
type Proof struct {
	ID                 string
	WorkflowInstanceID string
	PhaseID            string
	Type               ProofType
	TaskID             string
	EvidenceURI        string
	Hash               string
	Acknowledgers      []string
	AttestationStatus  AttestationStatus
	CreatedAt          time.Time
}

func (p *Proof) clone() *Proof {
	cp := *p
	cp.Acknowledgers = append([]string(nil), p.Acknowledgers...)
	return &cp
}

// ApprovalDecision is an Approval's resolution state.
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// Approval gates a task-level action (e.g. takeover) behind a named
// approver's decision.
type Approval struct {
	ID         string
	TaskID     string
	CreatedBy  string
	ApproverID string
	Decision   ApprovalDecision
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

func (a *Approval) clone() *Approval {
	cp := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// VoteType is the tallying rule applied to a VoteTopic.
type VoteType string

const (
	VoteSimpleMajority   VoteType = "simple_majority"
	VoteAbsoluteMajority VoteType = "absolute_majority"
	VoteUnanimous        VoteType = "unanimous"
	VoteVeto             VoteType = "veto"
)

// VoteTopicStatus is a VoteTopic's lifecycle state.
type VoteTopicStatus string

const (
	VoteTopicPending   VoteTopicStatus = "pending"
	VoteTopicCompleted VoteTopicStatus = "completed"
	VoteTopicTimeout   VoteTopicStatus = "timeout"
)

// Ballot is one agent's cast vote on a VoteTopic.
type Ballot string

const (
	BallotApprove Ballot = "approve"
	BallotReject  Ballot = "reject"
	BallotAbstain Ballot = "abstain"
)

// VoteTopic is an open governance question polled across a session's
// agents; votes are keyed by (topicID, agentID) so each agent may cast at
// most one ballot per topic.
type VoteTopic struct {
	ID            string
	SessionID     string
	VoteType      VoteType
	RequiredRoles []string
	TimeoutAt     time.Time
	Status        VoteTopicStatus
	Votes         map[string]Ballot
	CreatedAt     time.Time
}

func (v *VoteTopic) clone() *VoteTopic {
	cp := *v
	cp.RequiredRoles = append([]string(nil), v.RequiredRoles...)
	cp.Votes = make(map[string]Ballot, len(v.Votes))
	for k, val := range v.Votes {
		cp.Votes[k] = val
	}
	return &cp
}

// Tally reports whether a vote topic's outcome is decided under its voting
// rule, given the number of eligible voters (agents matching RequiredRoles,
// or the whole session roster when RequiredRoles is empty).
func (v *VoteTopic) Tally(eligibleVoters int) (decided bool, approved bool) {
	var yes, no int
	for _, b := range v.Votes {
		switch b {
		case BallotApprove:
			yes++
		case BallotReject:
			no++
		}
	}

	switch v.VoteType {
	case VoteVeto:
		if no > 0 {
			return true, false
		}
		if len(v.Votes) >= eligibleVoters {
			return true, true
		}
		return false, false
	case VoteUnanimous:
		if no > 0 {
			return true, false
		}
		if yes >= eligibleVoters && eligibleVoters > 0 {
			return true, true
		}
		return false, false
	case VoteAbsoluteMajority:
		if eligibleVoters == 0 {
			return false, false
		}
		threshold := eligibleVoters/2 + 1
		if yes >= threshold {
			return true, true
		}
		if no >= threshold {
			return true, false
		}
		return false, false
	default: // VoteSimpleMajority
		if len(v.Votes) < eligibleVoters {
			return false, false
		}
		return true, yes >= no
	}
}

// NotificationLevel is a Notification's severity.
type NotificationLevel string

const (
	NotificationInfo    NotificationLevel = "info"
	NotificationWarning NotificationLevel = "warning"
	NotificationError   NotificationLevel = "error"
)

// Notification is a one-way advisory surfaced to operators or agents, e.g.
// the Auto-Task Plugin's "no eligible agent" warning.
type Notification struct {
	ID        string
	SessionID string
	Level     NotificationLevel
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
}

func (n *Notification) clone() *Notification {
	cp := *n
	cp.Metadata = make(map[string]any, len(n.Metadata))
	for k, v := range n.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// DefectSeverity classifies an open defect's urgency.
type DefectSeverity string

const (
	DefectLow      DefectSeverity = "low"
	DefectMedium   DefectSeverity = "medium"
	DefectHigh     DefectSeverity = "high"
	DefectCritical DefectSeverity = "critical"
)

// Error is a governance-domain error with a stable Code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wfgovernance: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("wfgovernance: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

const (
	ErrCodeNotFound        = "not_found"
	ErrCodeAlreadyVoted    = "already_voted"
	ErrCodeTopicResolved   = "topic_resolved"
	ErrCodeAlreadyResolved = "approval_resolved"
)

func newErr(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Service implements the governance entities' CRUD and enforces their
// invariants: one proof per id (upsert), one ballot per (topic, agent),
// and single-resolution approvals.
type Service struct {
	bus *wfevents.Bus

	mu         sync.RWMutex
	proofs     map[string]*Proof
	approvals  map[string]*Approval
	voteTopics map[string]*VoteTopic
	notifs     map[string]*Notification
}

// New constructs a governance Service publishing updates on bus.
func New(bus *wfevents.Bus) *Service {
	return &Service{
		bus:        bus,
		proofs:     make(map[string]*Proof),
		approvals:  make(map[string]*Approval),
		voteTopics: make(map[string]*VoteTopic),
		notifs:     make(map[string]*Notification),
	}
}

// UpsertProof creates or replaces a Proof by id.
func (s *Service) UpsertProof(ctx context.Context, p *Proof) (*Proof, error) {
	if p.ID == "" {
		p.ID = "proof-" + uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.AttestationStatus == "" {
		p.AttestationStatus = AttestationPending
	}

	s.mu.Lock()
	s.proofs[p.ID] = p.clone()
	s.mu.Unlock()
	return p.clone(), nil
}

// GetProof returns a deep copy of a proof by id.
func (s *Service) GetProof(id string) (*Proof, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proofs[id]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// ListProofsForPhase returns every proof recorded for (instanceID, phaseID).
func (s *Service) ListProofsForPhase(instanceID, phaseID string) []*Proof {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Proof
	for _, p := range s.proofs {
		if p.WorkflowInstanceID == instanceID && p.PhaseID == phaseID {
			out = append(out, p.clone())
		}
	}
	return out
}

// CreateApproval opens a pending Approval requiring approverID's decision.
func (s *Service) CreateApproval(ctx context.Context, taskID, createdBy, approverID string) (*Approval, error) {
	a := &Approval{
		ID:         "approval-" + uuid.NewString(),
		TaskID:     taskID,
		CreatedBy:  createdBy,
		ApproverID: approverID,
		Decision:   ApprovalPending,
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	s.approvals[a.ID] = a.clone()
	s.mu.Unlock()

	s.publishApprovals()
	return a.clone(), nil
}

// ResolveApproval records approverID's decision on an approval. Resolving
// an already-resolved approval fails with ErrCodeAlreadyResolved.
func (s *Service) ResolveApproval(ctx context.Context, id string, decision ApprovalDecision) (*Approval, error) {
	s.mu.Lock()

	a, ok := s.approvals[id]
	if !ok {
		s.mu.Unlock()
		return nil, newErr(ErrCodeNotFound, fmt.Sprintf("unknown approval %q", id), nil)
	}
	if a.Decision != ApprovalPending {
		s.mu.Unlock()
		return nil, newErr(ErrCodeAlreadyResolved, fmt.Sprintf("approval %q already resolved as %s", id, a.Decision), nil)
	}

	now := time.Now()
	a.Decision = decision
	a.ResolvedAt = &now
	out := a.clone()
	s.mu.Unlock()

	s.publishApprovals()
	return out, nil
}

// ListPendingApprovalsFor returns pending approvals awaiting approverID's decision.
func (s *Service) ListPendingApprovalsFor(approverID string) []*Approval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Approval
	for _, a := range s.approvals {
		if a.ApproverID == approverID && a.Decision == ApprovalPending {
			out = append(out, a.clone())
		}
	}
	return out
}

// ListApprovals returns every approval recorded, regardless of resolution.
// Used by read-only introspection surfaces that need the full governance
// picture rather than one approver's queue.
func (s *Service) ListApprovals() []*Approval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Approval
	for _, a := range s.approvals {
		out = append(out, a.clone())
	}
	return out
}

// HasApprovalFor reports whether an approval exists for taskID with the
// given approverID, regardless of resolution.
func (s *Service) HasApprovalFor(taskID, approverID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.approvals {
		if a.TaskID == taskID && a.ApproverID == approverID {
			return true
		}
	}
	return false
}

// OpenVoteTopic creates a pending VoteTopic.
func (s *Service) OpenVoteTopic(ctx context.Context, sessionID string, voteType VoteType, requiredRoles []string, timeoutAt time.Time) (*VoteTopic, error) {
	v := &VoteTopic{
		ID:            "topic-" + uuid.NewString(),
		SessionID:     sessionID,
		VoteType:      voteType,
		RequiredRoles: requiredRoles,
		TimeoutAt:     timeoutAt,
		Status:        VoteTopicPending,
		Votes:         make(map[string]Ballot),
		CreatedAt:     time.Now(),
	}

	s.mu.Lock()
	s.voteTopics[v.ID] = v.clone()
	s.mu.Unlock()

	s.publishVotes()
	return v.clone(), nil
}

// CastVote records agentID's ballot on topicID. Casting twice for the same
// agent on the same topic fails with ErrCodeAlreadyVoted; voting on a
// resolved topic fails with ErrCodeTopicResolved.
func (s *Service) CastVote(ctx context.Context, topicID, agentID string, ballot Ballot, eligibleVoters int) (*VoteTopic, error) {
	s.mu.Lock()

	v, ok := s.voteTopics[topicID]
	if !ok {
		s.mu.Unlock()
		return nil, newErr(ErrCodeNotFound, fmt.Sprintf("unknown vote topic %q", topicID), nil)
	}
	if v.Status != VoteTopicPending {
		s.mu.Unlock()
		return nil, newErr(ErrCodeTopicResolved, fmt.Sprintf("vote topic %q already %s", topicID, v.Status), nil)
	}
	if _, voted := v.Votes[agentID]; voted {
		s.mu.Unlock()
		return nil, newErr(ErrCodeAlreadyVoted, fmt.Sprintf("agent %q already voted on topic %q", agentID, topicID), nil)
	}

	v.Votes[agentID] = ballot
	if decided, _ := v.Tally(eligibleVoters); decided {
		v.Status = VoteTopicCompleted
	}
	out := v.clone()
	s.mu.Unlock()

	s.publishVotes()
	return out, nil
}

// ExpireVoteTopic marks a still-pending topic as timed out.
func (s *Service) ExpireVoteTopic(ctx context.Context, topicID string) error {
	s.mu.Lock()

	v, ok := s.voteTopics[topicID]
	if !ok {
		s.mu.Unlock()
		return newErr(ErrCodeNotFound, fmt.Sprintf("unknown vote topic %q", topicID), nil)
	}
	expired := v.Status == VoteTopicPending
	if expired {
		v.Status = VoteTopicTimeout
	}
	s.mu.Unlock()

	if expired {
		s.publishVotes()
	}
	return nil
}

// ListPendingVoteTopicsForRoles returns pending topics whose RequiredRoles
// intersects roles, or carries no role requirement at all.
func (s *Service) ListPendingVoteTopicsForRoles(roles []string) []*VoteTopic {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*VoteTopic
	for _, v := range s.voteTopics {
		if v.Status != VoteTopicPending {
			continue
		}
		if len(v.RequiredRoles) == 0 {
			out = append(out, v.clone())
			continue
		}
		for _, r := range v.RequiredRoles {
			if roleSet[r] {
				out = append(out, v.clone())
				break
			}
		}
	}
	return out
}

// ListVoteTopics returns every vote topic recorded, regardless of status.
// Used by read-only introspection surfaces; ListPendingVoteTopicsForRoles
// remains the one agents poll to find ballots they're eligible to cast.
func (s *Service) ListVoteTopics() []*VoteTopic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*VoteTopic
	for _, v := range s.voteTopics {
		out = append(out, v.clone())
	}
	return out
}

// Notify records a Notification for UI/operator surfaces to read through
// ListNotifications; nothing is published on the event bus.
func (s *Service) Notify(ctx context.Context, sessionID string, level NotificationLevel, message string, metadata map[string]any) *Notification {
	n := &Notification{
		ID:        "notif-" + uuid.NewString(),
		SessionID: sessionID,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}

	s.mu.Lock()
	s.notifs[n.ID] = n.clone()
	s.mu.Unlock()
	return n.clone()
}

// ListNotifications returns every notification recorded for sessionID.
func (s *Service) ListNotifications(sessionID string) []*Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Notification
	for _, n := range s.notifs {
		if n.SessionID == sessionID {
			out = append(out, n.clone())
		}
	}
	return out
}

// publishApprovals snapshots under the read lock and publishes after
// releasing it. Subscribers run synchronously and call straight back into
// this service, so no lock may be held across Publish.
func (s *Service) publishApprovals() {
	if s.bus == nil {
		return
	}
	s.mu.RLock()
	out := make([]*Approval, 0, len(s.approvals))
	for _, a := range s.approvals {
		out = append(out, a.clone())
	}
	s.mu.RUnlock()
	s.bus.Publish(wfevents.TopicApprovalsUpdate, out)
}

func (s *Service) publishVotes() {
	if s.bus == nil {
		return
	}
	s.mu.RLock()
	out := make([]*VoteTopic, 0, len(s.voteTopics))
	for _, v := range s.voteTopics {
		out = append(out, v.clone())
	}
	s.mu.RUnlock()
	s.bus.Publish(wfevents.TopicVotesUpdate, out)
}
