package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketOutcomes       = "request_outcomes"
	bucketAccountTallies = "account_tallies"
)

// RequestOutcome is one dispatched request's final disposition.
type RequestOutcome struct {
	RequestID string    `json:"request_id"`
	AccountID string    `json:"account_id"`
	Family    string    `json:"family"`
	Model     string    `json:"model"`
	Status    int       `json:"status"`
	Route     string    `json:"route,omitempty"`
	Rotations int       `json:"rotations"`
	Retries   int       `json:"retries"`
	Synthetic bool      `json:"synthetic,omitempty"`
	Duration  int64     `json:"duration_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// AccountTally aggregates per-account outcome counts.
type AccountTally struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Rotations int64 `json:"rotations"`
}

// auditLog persists request outcomes so operators can inspect which
// account served what after the fact.
type auditLog struct {
	db        *bbolt.DB
	retention time.Duration
	nextPrune time.Time
}

func newAuditLog(path string, retentionDays int) (*auditLog, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketOutcomes)); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketAccountTallies)); e != nil {
			return e
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &auditLog{db: db, retention: time.Duration(retentionDays) * 24 * time.Hour, nextPrune: time.Now().Add(1 * time.Hour)}, nil
}

func (s *auditLog) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *auditLog) record(o RequestOutcome) error {
	if s == nil || s.db == nil {
		return nil
	}
	// Nanosecond-ordered keys keep the prune scan a prefix walk.
	key := fmt.Sprintf("%020d|%s", o.Timestamp.UnixNano(), safeID(o.AccountID))
	if o.RequestID != "" {
		key = key + "|" + o.RequestID
	}
	val, err := json.Marshal(o)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucketOutcomes)).Put([]byte(key), val); err != nil {
			return err
		}
		b := tx.Bucket([]byte(bucketAccountTallies))
		var agg AccountTally
		if raw := b.Get([]byte(o.AccountID)); raw != nil {
			_ = json.Unmarshal(raw, &agg)
		}
		agg.Requests++
		if o.Status >= 200 && o.Status < 300 {
			agg.Successes++
		} else {
			agg.Failures++
		}
		agg.Rotations += int64(o.Rotations)
		if enc, err := json.Marshal(&agg); err == nil {
			_ = b.Put([]byte(o.AccountID), enc)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if time.Now().After(s.nextPrune) {
		s.prune()
	}
	return nil
}

func (s *auditLog) prune() {
	cutoff := time.Now().Add(-s.retention)
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketOutcomes)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			parts := strings.SplitN(string(k), "|", 2)
			ts, err := timeFromKey(parts[0])
			if err != nil {
				continue
			}
			if ts.Before(cutoff) {
				_ = c.Delete()
			} else {
				// keys are time-ordered; everything past here is newer
				break
			}
		}
		return nil
	})
	s.nextPrune = time.Now().Add(1 * time.Hour)
}

func timeFromKey(tsPart string) (time.Time, error) {
	var n int64
	if _, err := fmt.Sscanf(tsPart, "%d", &n); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}

func safeID(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

// tally fetches per-account aggregates for the admin surface and tests.
func (s *auditLog) tally(accountID string) (AccountTally, error) {
	var out AccountTally
	if s == nil || s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketAccountTallies))
		if raw := b.Get([]byte(accountID)); raw != nil {
			return json.Unmarshal(raw, &out)
		}
		return nil
	})
	return out, err
}
