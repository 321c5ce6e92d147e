// store.go implements the persistence adapter for the monitoring engine.
//
// Every durable write runs in its own gorm transaction, serialized per record
// key so concurrent cycles cannot race on the same row, and retried a small
// fixed number of times with exponential backoff. When retries are exhausted
// the failure is logged and surfaced as a plain error: history-writing is
// never allowed to take the monitoring cycles down with it.

package database

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"
)

// Write retry configuration. Package-level vars so tests can override.
var (
	writeBaseBackoff = 200 * time.Millisecond
	writeMaxRetries  = uint64(3)
)

// Store wraps all durable writes made by the engine. It owns nothing the web
// tier writes; peers remain read-only from here.
type Store struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per record key, e.g. "peer:3", "host:vpn.example.org"
}

// NewStore creates a Store over the given gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the serialization mutex for a record key, creating it if needed.
func (s *Store) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// write runs fn in its own transaction under the key's lock, retrying with
// backoff. Failed transactions roll back automatically via gorm.Transaction.
func (s *Store) write(ctx context.Context, key, op string, fn func(tx *gorm.DB) error) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	backoff := retry.WithMaxRetries(writeMaxRetries, retry.NewExponential(writeBaseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.db.WithContext(ctx).Transaction(fn); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		log.Printf("Persistence degraded: %s (%s): %v", op, key, err)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func peerKey(peerID uint) string {
	return fmt.Sprintf("peer:%d", peerID)
}

// AppendAlert appends an immutable alert history entry for a peer.
func (s *Store) AppendAlert(ctx context.Context, rec *AlertRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	return s.write(ctx, peerKey(rec.PeerID), "append alert", func(tx *gorm.DB) error {
		return tx.Create(rec).Error
	})
}

// LastDeliveredAlert returns the most recent successfully delivered alert of
// the given kind for a peer, or nil when none exists. Undelivered records are
// ignored so a failed delivery does not start a cooldown window.
func (s *Store) LastDeliveredAlert(ctx context.Context, peerID uint, kind string) (*AlertRecord, error) {
	var rec AlertRecord
	err := s.db.WithContext(ctx).
		Where("peer_id = ? AND kind = ? AND delivered = ?", peerID, kind, true).
		Order("sent_at DESC").
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last alert: %w", err)
	}
	return &rec, nil
}

// ListAlerts returns up to limit alert records for a peer, newest first.
func (s *Store) ListAlerts(ctx context.Context, peerID uint, limit int) ([]AlertRecord, error) {
	var recs []AlertRecord
	q := s.db.WithContext(ctx).Where("peer_id = ?", peerID).Order("sent_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return recs, nil
}

// GetResolution returns the stored resolution record for a hostname, or nil.
func (s *Store) GetResolution(ctx context.Context, hostname string) (*ResolutionRecord, error) {
	var rec ResolutionRecord
	err := s.db.WithContext(ctx).Where("hostname = ?", hostname).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get resolution: %w", err)
	}
	return &rec, nil
}

// SaveResolution upserts the resolution record for a hostname. changed marks
// whether the resolved address differs from the previously stored one.
func (s *Store) SaveResolution(ctx context.Context, hostname, ip string, changed bool, checkedAt time.Time) error {
	return s.write(ctx, "host:"+hostname, "save resolution", func(tx *gorm.DB) error {
		var rec ResolutionRecord
		err := tx.Where("hostname = ?", hostname).First(&rec).Error
		if err == gorm.ErrRecordNotFound {
			rec = ResolutionRecord{
				Hostname:      hostname,
				ResolvedIP:    ip,
				LastChangedAt: checkedAt,
				LastCheckedAt: checkedAt,
			}
			return tx.Create(&rec).Error
		}
		if err != nil {
			return err
		}
		rec.ResolvedIP = ip
		rec.LastCheckedAt = checkedAt
		if changed {
			rec.LastChangedAt = checkedAt
		}
		return tx.Save(&rec).Error
	})
}

// TouchResolution updates only the last-checked timestamp for a hostname that
// resolved to the same address as before.
func (s *Store) TouchResolution(ctx context.Context, hostname string, checkedAt time.Time) error {
	return s.write(ctx, "host:"+hostname, "touch resolution", func(tx *gorm.DB) error {
		return tx.Model(&ResolutionRecord{}).
			Where("hostname = ?", hostname).
			Update("last_checked_at", checkedAt).Error
	})
}

// GetReconnectAttempt returns the reconnect state for a peer, or nil.
func (s *Store) GetReconnectAttempt(ctx context.Context, peerID uint) (*ReconnectAttempt, error) {
	var rec ReconnectAttempt
	err := s.db.WithContext(ctx).Where("peer_id = ?", peerID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reconnect attempt: %w", err)
	}
	return &rec, nil
}

// SaveReconnectAttempt upserts the reconnect state for a peer.
func (s *Store) SaveReconnectAttempt(ctx context.Context, rec *ReconnectAttempt) error {
	return s.write(ctx, peerKey(rec.PeerID), "save reconnect attempt", func(tx *gorm.DB) error {
		var existing ReconnectAttempt
		err := tx.Where("peer_id = ?", rec.PeerID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			return tx.Create(rec).Error
		}
		if err != nil {
			return err
		}
		rec.ID = existing.ID
		return tx.Save(rec).Error
	})
}

// SaveSnapshot upserts the durable runtime state snapshot for a peer.
func (s *Store) SaveSnapshot(ctx context.Context, snap *StateSnapshot) error {
	return s.write(ctx, peerKey(snap.PeerID), "save snapshot", func(tx *gorm.DB) error {
		var existing StateSnapshot
		err := tx.Where("peer_id = ?", snap.PeerID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			return tx.Create(snap).Error
		}
		if err != nil {
			return err
		}
		snap.ID = existing.ID
		return tx.Save(snap).Error
	})
}

// GetSnapshot returns the durable runtime state snapshot for a peer, or nil.
func (s *Store) GetSnapshot(ctx context.Context, peerID uint) (*StateSnapshot, error) {
	var snap StateSnapshot
	err := s.db.WithContext(ctx).Where("peer_id = ?", peerID).First(&snap).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &snap, nil
}
