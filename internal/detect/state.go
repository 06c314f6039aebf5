package detect

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	streaksBucket    = "repeat_fail"
	stateMetaBucket  = "meta"
	schemaVersionKey = "schema_version"

	currentSchemaVersion uint64 = 1
)

// StreakRecord is one persisted failure streak for an agent+tool pair.
type StreakRecord struct {
	Agent   string    `json:"agent"`
	Tool    string    `json:"tool"`
	Count   int       `json:"count"`
	Updated time.Time `json:"updated"`
}

// StreakStore persists repeat-fail streaks across analyzer runs so an error
// streak that spans two runs is recognized as one continuing incident.
type StreakStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// OpenStreakStore opens (or creates) the detector state database at path.
func OpenStreakStore(path string, logger *zap.Logger) (*StreakStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open detector state: %w", err)
	}

	s := &StreakStore{db: db, logger: logger}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize detector state buckets: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *StreakStore) Close() error {
	return s.db.Close()
}

func (s *StreakStore) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{streaksBucket, stateMetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		meta := tx.Bucket([]byte(stateMetaBucket))
		version := make([]byte, 8)
		binary.LittleEndian.PutUint64(version, currentSchemaVersion)
		return meta.Put([]byte(schemaVersionKey), version)
	})
}

// Streak returns the persisted streak count for agent+tool, zero when none
// is recorded or the store is unreadable.
func (s *StreakStore) Streak(agent, tool string) int {
	var count int
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(streaksBucket)).Get(streakKey(agent, tool))
		if data == nil {
			return nil
		}
		var rec StreakRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		count = rec.Count
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to read failure streak",
			zap.String("agent", agent),
			zap.String("tool", tool),
			zap.Error(err))
		return 0
	}
	return count
}

// SetStreak records the current streak count for agent+tool.
func (s *StreakStore) SetStreak(agent, tool string, count int) error {
	rec := StreakRecord{Agent: agent, Tool: tool, Count: count, Updated: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(streaksBucket)).Put(streakKey(agent, tool), data)
	})
}

// Reset clears the streak for agent+tool.
func (s *StreakStore) Reset(agent, tool string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(streaksBucket)).Delete(streakKey(agent, tool))
	})
}

// All lists every persisted streak.
func (s *StreakStore) All() ([]StreakRecord, error) {
	var records []StreakRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(streaksBucket)).ForEach(func(_, v []byte) error {
			var rec StreakRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func streakKey(agent, tool string) []byte {
	return []byte(agent + "|" + tool)
}
