package store

import (
	"fmt"
	"time"

	"github.com/attestmesh/node/pkg/envelope"
)

// NewChainCommitGroup creates a named (or anonymously-named) chain commit
// group and returns its name and id.
func (s *Store) NewChainCommitGroup(name string) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		name = fmt.Sprintf("group-%d", time.Now().UnixNano())
	}

	res, err := s.db.Exec(`INSERT INTO chain_commit_groups (name) VALUES (?)`, name)
	if err != nil {
		return "", 0, classifyConstraint(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", 0, err
	}
	return name, id, nil
}

// AddMemberToChainCommitGroup registers key as a member whose envelopes
// count toward the group.
func (s *Store) AddMemberToChainCommitGroup(groupID int64, key envelope.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO chain_commit_group_members (group_id, key) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		groupID, key[:],
	)
	return err
}

// AddSubscriberToChainCommitGroup registers a peer URL to be notified of
// group activity.
func (s *Store) AddSubscriberToChainCommitGroup(groupID int64, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO chain_commit_group_subscribers (group_id, url) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		groupID, url,
	)
	return err
}
