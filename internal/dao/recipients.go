package dao

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

func (s *sqlite) LatestGeneration(campaignID string) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var gen int
	err = db.Get(&gen, `SELECT coalesce(max(generation), 0) FROM campaign_recipient WHERE campaign_id = ?`, campaignID)
	return gen, err
}

func (s *sqlite) InsertRecipients(rows []Recipient) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withTX(func(tx *sqlx.Tx) error {
		q := `
		INSERT INTO campaign_recipient (campaign_id, generation, email, full_name, status, retry_count, last_error, updated_at)
		VALUES (:campaign_id, :generation, :email, :full_name, :status, :retry_count, :last_error, :updated_at)
		`
		for _, r := range rows {
			if r.UpdatedAt.IsZero() {
				r.UpdatedAt = time.Now().In(time.UTC)
			}
			_, err := tx.NamedExec(q, r)
			if err != nil {
				return fmt.Errorf("failed to insert recipient %s, %w", r.Email, err)
			}
		}
		return nil
	})
}

func (s *sqlite) PendingRecipients(campaignID string, generation int) ([]Recipient, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var rr []Recipient
	q := `
	SELECT * FROM campaign_recipient
	WHERE campaign_id = ? AND generation = ? AND status = 'PENDING'
	ORDER BY id
	`
	err = db.Select(&rr, q, campaignID, generation)
	return rr, err
}

func (s *sqlite) GetRecipient(id int64) (*Recipient, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var r Recipient
	err = db.Get(&r, `SELECT * FROM campaign_recipient WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *sqlite) UpdateRecipientAttempt(id int64, status string, retryCount int, lastError string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	q := `
	UPDATE campaign_recipient SET status = ?, retry_count = ?, last_error = ?, updated_at = ?
	WHERE id = ?
	`
	_, err = db.Exec(q, status, retryCount, lastError, time.Now().In(time.UTC), id)
	return err
}

func (s *sqlite) ListRecipients(campaignID string, generation int) ([]Recipient, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var rr []Recipient
	q := `SELECT * FROM campaign_recipient WHERE campaign_id = ? AND generation = ? ORDER BY email`
	err = db.Select(&rr, q, campaignID, generation)
	return rr, err
}

func (s *sqlite) RecipientCounts(campaignID string, generation int) (map[string]int, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	q := `
	SELECT status, count(*) AS n FROM campaign_recipient
	WHERE campaign_id = ? AND generation = ?
	GROUP BY status
	`
	err = db.Select(&rows, q, campaignID, generation)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
