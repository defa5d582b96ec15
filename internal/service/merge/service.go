package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/clientsync/internal/domain"
)

// Action is the outcome of one merge call.
type Action string

const (
	ActionInserted Action = "inserted"
	ActionUpdated  Action = "updated"
	ActionConflict Action = "conflict"
)

// Input is one raw record presented for identity merge. Empty fields
// mean "unknown", never "clear".
type Input struct {
	Source        domain.Source
	ExternalID    string
	Email         string
	Phone         string
	FullName      string
	Tags          []string
	OptIns        domain.OptIns
	Stage         domain.LifecycleStage
	PaidCents     int64
	PaymentStatus string
	SyncRunID     string
	// DryRun resolves and computes the outcome without writing anything.
	DryRun bool
}

// Result reports what the merge did (or, under DryRun, would do).
type Result struct {
	Action   Action
	ClientID string
}

// Service implements the identity merge algorithm. Safe for concurrent
// use if the underlying repository is.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a merge service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Merge reconciles one raw record into the canonical client graph.
//
// Resolution order is email, then phone, then provider external ID;
// first match wins. If email and phone resolve to two different existing
// clients the call records a MergeConflict and mutates neither.
// Re-invoking with identical input is safe and converges to the same
// final state.
func (s *Service) Merge(ctx context.Context, in Input) (Result, error) {
	email := NormalizeEmail(in.Email)
	phone := NormalizePhone(in.Phone)
	if email == "" && phone == "" {
		return Result{}, ErrNoIdentityKey
	}

	byEmail, err := s.lookup(ctx, email, s.repo.FindByEmail)
	if err != nil {
		return Result{}, fmt.Errorf("resolve by email: %w", err)
	}
	byPhone, err := s.lookup(ctx, phone, s.repo.FindByPhone)
	if err != nil {
		return Result{}, fmt.Errorf("resolve by phone: %w", err)
	}

	// Ambiguous claim: the record bridges two existing identities.
	if byEmail != nil && byPhone != nil && byEmail.ID != byPhone.ID {
		if !in.DryRun {
			if err := s.recordConflict(ctx, in, email, phone, byEmail.ID, byPhone.ID); err != nil {
				return Result{}, fmt.Errorf("record conflict: %w", err)
			}
		}
		return Result{Action: ActionConflict}, nil
	}

	existing := byEmail
	if existing == nil {
		existing = byPhone
	}
	if existing == nil && in.ExternalID != "" {
		existing, err = s.lookupExternal(ctx, in.Source, in.ExternalID)
		if err != nil {
			return Result{}, fmt.Errorf("resolve by external id: %w", err)
		}
	}

	if existing == nil {
		return s.insert(ctx, in, email, phone)
	}
	return s.update(ctx, existing, in, email, phone)
}

func (s *Service) lookup(ctx context.Context, key string, find func(context.Context, string) (*domain.ClientIdentity, error)) (*domain.ClientIdentity, error) {
	if key == "" {
		return nil, nil
	}
	c, err := find(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func (s *Service) lookupExternal(ctx context.Context, source domain.Source, externalID string) (*domain.ClientIdentity, error) {
	c, err := s.repo.FindByExternalID(ctx, source, externalID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func (s *Service) insert(ctx context.Context, in Input, email, phone string) (Result, error) {
	now := s.now().UTC()
	c := &domain.ClientIdentity{
		ID:                uuid.New().String(),
		Stage:             domain.StageLead,
		PaymentStatus:     in.PaymentStatus,
		TotalPaidCents:    in.PaidCents,
		OptIns:            in.OptIns,
		AcquisitionSource: string(in.Source),
		ExternalIDs:       map[domain.Source]string{},
		LastSyncAt:        now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if email != "" {
		c.Email = &email
	}
	if phone != "" {
		c.Phone = &phone
	}
	if in.FullName != "" {
		name := strings.TrimSpace(in.FullName)
		c.FullName = &name
	}
	if in.Stage != "" {
		c.Stage = in.Stage
	}
	c.UnionTags(in.Tags)
	if in.ExternalID != "" {
		c.ExternalIDs[in.Source] = in.ExternalID
	}

	if in.DryRun {
		return Result{Action: ActionInserted}, nil
	}
	if err := s.repo.Insert(ctx, c); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// A concurrent writer claimed this identity between our
			// lookups and the insert. The unique index rejected ours, so
			// fold this record into theirs instead.
			return s.mergeIntoWinner(ctx, in, email, phone)
		}
		return Result{}, fmt.Errorf("insert client: %w", err)
	}
	return Result{Action: ActionInserted, ClientID: c.ID}, nil
}

// mergeIntoWinner re-resolves after a lost insert race and updates the
// client the other writer created.
func (s *Service) mergeIntoWinner(ctx context.Context, in Input, email, phone string) (Result, error) {
	existing, err := s.lookup(ctx, email, s.repo.FindByEmail)
	if err != nil {
		return Result{}, fmt.Errorf("re-resolve by email: %w", err)
	}
	if existing == nil {
		existing, err = s.lookup(ctx, phone, s.repo.FindByPhone)
		if err != nil {
			return Result{}, fmt.Errorf("re-resolve by phone: %w", err)
		}
	}
	if existing == nil {
		// The winning row vanished again (deleted, or the constraint
		// fired on something we did not resolve by). Give up rather
		// than loop.
		return Result{}, fmt.Errorf("insert client: %w", ErrDuplicateKey)
	}
	return s.update(ctx, existing, in, email, phone)
}

func (s *Service) update(ctx context.Context, c *domain.ClientIdentity, in Input, email, phone string) (Result, error) {
	// Fill-missing, never-downgrade. Contact fields accept non-empty
	// incoming values; identity keys only fill gaps (rewriting the email
	// of an email-resolved client would detach its identity).
	if c.Email == nil && email != "" {
		c.Email = &email
	}
	if phone != "" {
		c.Phone = &phone
	}
	if in.FullName != "" {
		name := strings.TrimSpace(in.FullName)
		c.FullName = &name
	}

	// Lifecycle only moves forward through the funnel.
	if in.Stage != "" && !c.Stage.Outranks(in.Stage) {
		c.Stage = in.Stage
	}
	if in.PaymentStatus != "" {
		c.PaymentStatus = in.PaymentStatus
	}

	// Money accumulates, guarded against replaying the exact record we
	// last merged from this source (partial-batch reprocessing).
	if c.ExternalIDs == nil {
		c.ExternalIDs = map[domain.Source]string{}
	}
	alreadyMerged := in.ExternalID != "" && c.ExternalIDs[in.Source] == in.ExternalID
	if in.PaidCents > 0 && !alreadyMerged {
		c.TotalPaidCents += in.PaidCents
	}

	c.UnionTags(in.Tags)
	c.OptIns.Or(in.OptIns)
	if in.ExternalID != "" {
		c.ExternalIDs[in.Source] = in.ExternalID
	}
	c.LastSyncAt = s.now().UTC()
	c.UpdatedAt = c.LastSyncAt

	if in.DryRun {
		return Result{Action: ActionUpdated, ClientID: c.ID}, nil
	}
	if err := s.repo.Update(ctx, c); err != nil {
		return Result{}, fmt.Errorf("update client: %w", err)
	}
	return Result{Action: ActionUpdated, ClientID: c.ID}, nil
}

func (s *Service) recordConflict(ctx context.Context, in Input, email, phone, emailClientID, phoneClientID string) error {
	mc := &domain.MergeConflict{
		ID:            uuid.New().String(),
		Status:        domain.ConflictOpen,
		Source:        in.Source,
		ExternalID:    in.ExternalID,
		EmailClientID: emailClientID,
		PhoneClientID: phoneClientID,
		Fields: map[string]any{
			"full_name":   in.FullName,
			"sync_run_id": in.SyncRunID,
		},
		CreatedAt: s.now().UTC(),
	}
	if email != "" {
		mc.Email = &email
	}
	if phone != "" {
		mc.Phone = &phone
	}
	return s.repo.RecordConflict(ctx, mc)
}

// NormalizeEmail lowercases and trims an email; garbage without an "@"
// is dropped entirely.
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return ""
	}
	return email
}

// NormalizePhone strips formatting characters, keeping digits and a
// leading "+". Anything shorter than 7 digits is dropped.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	out := b.String()
	digits := strings.TrimPrefix(out, "+")
	if len(digits) < 7 {
		return ""
	}
	return out
}
