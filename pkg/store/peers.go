package store

import "time"

// HiddenService is a peer the node fetches from and/or pushes to.
type HiddenService struct {
	URL         string
	Port        int
	Fetch       bool
	Push        bool
	Unsolicited bool
}

// UpsertHiddenService inserts or updates a peer's connection policy.
func (s *Store) UpsertHiddenService(svc HiddenService) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO hidden_services (url, port, fetch, push, unsolicited, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			port = excluded.port,
			fetch = excluded.fetch,
			push = excluded.push,
			unsolicited = excluded.unsolicited,
			updated_at = excluded.updated_at
	`, svc.URL, svc.Port, svc.Fetch, svc.Push, svc.Unsolicited, time.Now().UnixMilli())
	return err
}

// ListHiddenServices returns every configured peer.
func (s *Store) ListHiddenServices() ([]HiddenService, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT url, port, fetch, push, unsolicited FROM hidden_services`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HiddenService
	for rows.Next() {
		var svc HiddenService
		if err := rows.Scan(&svc.URL, &svc.Port, &svc.Fetch, &svc.Push, &svc.Unsolicited); err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}
