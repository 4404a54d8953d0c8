package archiver

import (
	"context"
	"log"
	"time"

	"clinicflow/queue-service/internal/hub"
	"clinicflow/queue-service/internal/models"
	"clinicflow/queue-service/internal/store"
)

// Publisher matches the hub's broadcast surface.
type Publisher interface {
	Broadcast(event hub.Event)
}

type Archiver struct {
	store     store.TicketStore
	publisher Publisher
	location  *time.Location
	now       func() time.Time
}

type Config struct {
	Location *time.Location
	// Now is overridable for tests.
	Now func() time.Time
}

func New(store store.TicketStore, publisher Publisher, cfg Config) *Archiver {
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Archiver{
		store:     store,
		publisher: publisher,
		location:  location,
		now:       now,
	}
}

// RunOnce archives terminal tickets from days before the current clinic-local
// day. Today's tickets are never touched, so a sweep firing mid-shift is safe.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	now := a.now()
	cutoff := startOfDay(now, a.location)

	archived, err := a.store.ArchiveSweep(ctx, cutoff)
	if err != nil {
		return archived, err
	}
	if archived == 0 {
		return 0, nil
	}
	log.Printf("archive sweep archived=%d cutoff=%s", archived, cutoff.Format(time.RFC3339))

	day := models.DayOf(now, a.location)
	tickets, err := a.store.ListDay(ctx, day)
	if err != nil {
		log.Printf("archive snapshot list day=%s: %v", day, err)
		return archived, nil
	}
	summary, err := a.store.Summary(ctx, day)
	if err != nil {
		log.Printf("archive snapshot summary day=%s: %v", day, err)
		return archived, nil
	}
	a.publisher.Broadcast(hub.Event{
		Type:    hub.EventDayArchived,
		Day:     day,
		Tickets: tickets,
		Summary: &summary,
		SentAt:  now,
	})
	return archived, nil
}

func (a *Archiver) SweepLocks(ctx context.Context) (int, error) {
	reclaimed, err := a.store.SweepExpiredLocks(ctx, a.now())
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		log.Printf("lock sweep reclaimed=%d", reclaimed)
	}
	return reclaimed, nil
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Start runs archive sweeps on the given interval until ctx is cancelled.
func Start(ctx context.Context, interval time.Duration, a *Archiver) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				log.Printf("archive sweep error: %v", err)
			}
		}
	}
}

// StartLockSweep reclaims expired allocator locks on the given interval.
func StartLockSweep(ctx context.Context, interval time.Duration, a *Archiver) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.SweepLocks(ctx); err != nil {
				log.Printf("lock sweep error: %v", err)
			}
		}
	}
}
