package project

import (
	"context"
	"errors"
	"testing"
)

func TestUpdateState_ForbiddenForOtherContractor(t *testing.T) {
	repo := &fakeMatchRepo{match: Match{
		ID:               "match-1",
		ProjectID:        "proj-1",
		ContractorUserID: "contractor-1",
		State:            MatchStateInvited,
	}}
	svc := NewMatchService(repo)

	_, err := svc.UpdateState(context.Background(), UpdateMatchParams{
		MatchID:      "match-1",
		ContractorID: "contractor-2",
		NewState:     MatchStateAccepted,
	})
	if !errors.Is(err, ErrMatchForbidden) {
		t.Fatalf("expected ErrMatchForbidden, got %v", err)
	}
}

func TestUpdateState_RejectsInvitedTarget(t *testing.T) {
	repo := &fakeMatchRepo{match: Match{
		ID:               "match-1",
		ContractorUserID: "contractor-1",
		State:            MatchStateInvited,
	}}
	svc := NewMatchService(repo)

	_, err := svc.UpdateState(context.Background(), UpdateMatchParams{
		MatchID:      "match-1",
		ContractorID: "contractor-1",
		NewState:     MatchStateInvited,
	})
	if !errors.Is(err, ErrMatchInvalidTransition) {
		t.Fatalf("expected ErrMatchInvalidTransition, got %v", err)
	}
}

func TestUpdateState_RejectsAcceptedToDeclined(t *testing.T) {
	repo := &fakeMatchRepo{match: Match{
		ID:               "match-1",
		ContractorUserID: "contractor-1",
		State:            MatchStateAccepted,
	}}
	svc := NewMatchService(repo)

	_, err := svc.UpdateState(context.Background(), UpdateMatchParams{
		MatchID:      "match-1",
		ContractorID: "contractor-1",
		NewState:     MatchStateDeclined,
	})
	if !errors.Is(err, ErrMatchInvalidTransition) {
		t.Fatalf("expected ErrMatchInvalidTransition, got %v", err)
	}
	if repo.updated {
		t.Errorf("expected no state write")
	}
}

func TestUpdateState_DeclineIsIdempotent(t *testing.T) {
	repo := &fakeMatchRepo{match: Match{
		ID:               "match-1",
		ContractorUserID: "contractor-1",
		State:            MatchStateDeclined,
	}}
	svc := NewMatchService(repo)

	result, err := svc.UpdateState(context.Background(), UpdateMatchParams{
		MatchID:      "match-1",
		ContractorID: "contractor-1",
		NewState:     MatchStateDeclined,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Match.State != MatchStateDeclined {
		t.Errorf("expected declined match back, got %s", result.Match.State)
	}
	if repo.updated {
		t.Errorf("expected no repeat write for declined match")
	}
}

func TestUpdateState_DeclinePersists(t *testing.T) {
	repo := &fakeMatchRepo{match: Match{
		ID:               "match-1",
		ContractorUserID: "contractor-1",
		State:            MatchStateInvited,
	}}
	svc := NewMatchService(repo)

	result, err := svc.UpdateState(context.Background(), UpdateMatchParams{
		MatchID:      "match-1",
		ContractorID: "contractor-1",
		NewState:     MatchStateDeclined,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !repo.updated || repo.updatedTo != MatchStateDeclined {
		t.Errorf("expected declined write, got updated=%v state=%s", repo.updated, repo.updatedTo)
	}
	if result.Match.State != MatchStateDeclined {
		t.Errorf("expected declined match, got %s", result.Match.State)
	}
}

type fakeMatchRepo struct {
	match     Match
	updated   bool
	updatedTo MatchState
}

func (f *fakeMatchRepo) List(ctx context.Context, projectID, viewerID string, viewerIsAdmin bool) ([]Match, error) {
	return []Match{f.match}, nil
}

func (f *fakeMatchRepo) Create(ctx context.Context, params CreateMatchParams) (Match, error) {
	return f.match, nil
}

func (f *fakeMatchRepo) ListForContractor(ctx context.Context, contractorID string) ([]Match, error) {
	return []Match{f.match}, nil
}

func (f *fakeMatchRepo) GetByID(ctx context.Context, matchID string) (Match, error) {
	if f.match.ID == "" {
		return Match{}, ErrMatchNotFound
	}
	return f.match, nil
}

func (f *fakeMatchRepo) UpdateState(ctx context.Context, matchID string, state MatchState) (Match, error) {
	f.updated = true
	f.updatedTo = state
	updated := f.match
	updated.State = state
	return updated, nil
}
