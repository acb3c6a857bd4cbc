package risk

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/commwatch/commwatch/internal/idgen"
)

// MemoryStore is an in-memory Store for demo/test use. Tx serializes against
// all other operations but does not roll back partial writes; single-process
// test scenarios do not need it.
type MemoryStore struct {
	mu            sync.RWMutex
	actorsByExt   map[string]*Actor
	actorsByID    map[string]*Actor
	events        []*Event
	eventsByExt   map[string]*Event
	assessments   []*Assessment
	alerts        []*Alert
	alertsByAsmID map[string]*Alert
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actorsByExt:   make(map[string]*Actor),
		actorsByID:    make(map[string]*Actor),
		eventsByExt:   make(map[string]*Event),
		alertsByAsmID: make(map[string]*Alert),
	}
}

func (s *MemoryStore) UpsertActor(ctx context.Context, externalID, displayName string) (*Actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if a, ok := s.actorsByExt[externalID]; ok {
		if displayName != "" {
			a.DisplayName = displayName
		}
		a.LastSeen = now
		a.EventCount++
		cp := *a
		return &cp, nil
	}

	a := &Actor{
		ID:          idgen.WithPrefix("act_"),
		ExternalID:  externalID,
		DisplayName: displayName,
		FirstSeen:   now,
		LastSeen:    now,
		EventCount:  1,
	}
	s.actorsByExt[externalID] = a
	s.actorsByID[a.ID] = a
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev *Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.eventsByExt[ev.ExternalID]; ok {
		return false, nil
	}
	cp := *ev
	s.events = append(s.events, &cp)
	s.eventsByExt[ev.ExternalID] = &cp
	return true, nil
}

func (s *MemoryStore) RecentEvents(ctx context.Context, channelID string, before time.Time, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.events[i]
		if e.ChannelID == channelID && e.CreatedAt.Before(before) {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) RecentAssessments(ctx context.Context, actorID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Assessment
	for i := len(s.assessments) - 1; i >= 0 && len(result) < limit; i-- {
		a := s.assessments[i]
		if a.ActorID == actorID {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) HasFlaggedHistory(ctx context.Context, actorID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.assessments {
		if a.ActorID == actorID && a.Flagged {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) StoreAssessment(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	cp.Indicators = append([]Indicator(nil), a.Indicators...)
	s.assessments = append(s.assessments, &cp)
	return nil
}

func (s *MemoryStore) UpdateActorRisk(ctx context.Context, actorID string, score float64, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actorsByID[actorID]
	if !ok {
		return ErrNotFound
	}
	a.RiskScore = score
	a.LastSeen = seenAt
	return nil
}

func (s *MemoryStore) CreateAlert(ctx context.Context, al *Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alertsByAsmID[al.AssessmentID]; ok {
		return false, nil
	}
	cp := *al
	s.alerts = append(s.alerts, &cp)
	s.alertsByAsmID[al.AssessmentID] = &cp
	return true, nil
}

func (s *MemoryStore) GetActor(ctx context.Context, id string) (*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.actorsByID[id]; ok {
		cp := *a
		return &cp, nil
	}
	if a, ok := s.actorsByExt[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetAssessment(ctx context.Context, id string) (*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.assessments {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListAssessments(ctx context.Context, f AssessmentFilter) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*Assessment
	for i := len(s.assessments) - 1; i >= 0; i-- {
		a := s.assessments[i]
		if f.ChannelID != "" && a.ChannelID != f.ChannelID {
			continue
		}
		if f.ActorID != "" && a.ActorID != f.ActorID {
			continue
		}
		if f.FlaggedOnly && !a.Flagged {
			continue
		}
		cp := *a
		all = append(all, &cp)
	}
	return paginate(all, f.Offset, f.Limit), nil
}

func (s *MemoryStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, al := range s.alerts {
		if al.ID == id {
			cp := *al
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*Alert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		al := s.alerts[i]
		if f.ChannelID != "" && al.ChannelID != f.ChannelID {
			continue
		}
		if f.Status != "" && al.Status != f.Status {
			continue
		}
		if f.Severity != "" && al.Severity != f.Severity {
			continue
		}
		cp := *al
		all = append(all, &cp)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return paginate(all, f.Offset, f.Limit), nil
}

func (s *MemoryStore) UpdateAlertStatus(ctx context.Context, id, status, notes string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, al := range s.alerts {
		if al.ID != id {
			continue
		}
		if !ValidAlertTransition(al.Status, status) {
			return nil, ErrInvalidTransition
		}
		al.Status = status
		if notes != "" {
			al.ResolutionNotes = strings.TrimSpace(notes)
		}
		if status == StatusResolved {
			now := time.Now().UTC()
			al.ResolvedAt = &now
		}
		cp := *al
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetStats(ctx context.Context, channelID string) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{}
	var sum float64
	for _, a := range s.assessments {
		if channelID != "" && a.ChannelID != channelID {
			continue
		}
		stats.TotalAssessments++
		sum += a.RiskScore
		if a.Flagged {
			stats.FlaggedCount++
		}
	}
	if stats.TotalAssessments > 0 {
		stats.AverageRiskScore = sum / float64(stats.TotalAssessments)
	}
	for _, a := range s.actorsByID {
		if a.RiskScore >= DefaultMediumThreshold {
			stats.HighRiskActors++
		}
	}
	for _, al := range s.alerts {
		if channelID != "" && al.ChannelID != channelID {
			continue
		}
		if al.Status == StatusOpen {
			stats.OpenAlerts++
		}
	}
	return stats, nil
}

// Tx runs fn against the store itself. Writes are applied directly; the
// in-memory implementation trades rollback for simplicity.
func (s *MemoryStore) Tx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
