package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// OutcomeSucceeded means the knock datagram was handed to the network.
	OutcomeSucceeded = "succeeded"
	// OutcomeFailed means the attempt failed to build or send.
	OutcomeFailed = "failed"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// KnockAttempt is one recorded knock outcome.
type KnockAttempt struct {
	AttemptID   string
	ProfileName string
	Outcome     string
	Reason      string
	Timestamp   int64
}

// SetAttemptRetention configures the automatic knock-history pruning horizon.
func (s *Store) SetAttemptRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultAttemptRetention
	}
	s.attemptRetention = retention
}

// RecordKnock inserts one attempt outcome and prunes entries older than the
// retention horizon. It satisfies the knock session's Recorder collaborator.
func (s *Store) RecordKnock(profileName string, succeeded bool, reason string) error {
	if strings.TrimSpace(profileName) == "" {
		return errors.New("profile name is required")
	}

	outcome := OutcomeFailed
	if succeeded {
		outcome = OutcomeSucceeded
		reason = ""
	}

	_, err := s.db.Exec(
		`INSERT INTO knock_attempts (attempt_id, profile_name, outcome, reason, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(),
		profileName,
		outcome,
		reason,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert knock attempt: %w", err)
	}

	return s.pruneAttempts()
}

// ListKnocks returns recorded attempts newest first. An empty profileName
// lists attempts for every profile; limit <= 0 means no limit.
func (s *Store) ListKnocks(profileName string, limit int) ([]KnockAttempt, error) {
	query := `SELECT attempt_id, profile_name, outcome, reason, timestamp
	          FROM knock_attempts`
	args := []any{}
	if profileName != "" {
		query += ` WHERE profile_name = ?`
		args = append(args, profileName)
	}
	query += ` ORDER BY timestamp DESC, attempt_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query knock attempts: %w", err)
	}
	defer rows.Close()

	var attempts []KnockAttempt
	for rows.Next() {
		var attempt KnockAttempt
		if err := rows.Scan(
			&attempt.AttemptID,
			&attempt.ProfileName,
			&attempt.Outcome,
			&attempt.Reason,
			&attempt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan knock attempt: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knock attempts: %w", err)
	}

	return attempts, nil
}

// LastKnock returns the most recent attempt for a profile, or ErrNotFound.
func (s *Store) LastKnock(profileName string) (KnockAttempt, error) {
	attempts, err := s.ListKnocks(profileName, 1)
	if err != nil {
		return KnockAttempt{}, err
	}
	if len(attempts) == 0 {
		return KnockAttempt{}, ErrNotFound
	}
	return attempts[0], nil
}

// DeleteKnocks removes all recorded attempts for a profile.
func (s *Store) DeleteKnocks(profileName string) error {
	if _, err := s.db.Exec(`DELETE FROM knock_attempts WHERE profile_name = ?`, profileName); err != nil {
		return fmt.Errorf("delete knock attempts: %w", err)
	}
	return nil
}

func (s *Store) pruneAttempts() error {
	horizon := time.Now().Add(-s.attemptRetention).UnixMilli()
	if _, err := s.db.Exec(`DELETE FROM knock_attempts WHERE timestamp < ?`, horizon); err != nil {
		return fmt.Errorf("prune knock attempts: %w", err)
	}
	return nil
}
