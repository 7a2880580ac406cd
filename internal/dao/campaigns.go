package dao

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/audit"
)

func (s *sqlite) CreateCampaign(actor string, c Campaign) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		q := `
		INSERT INTO campaign (id, title, category, status, sender_identity_id, smtp_account_id,
			subject, html_body, text_body, attachments_json, scheduled_at, emergency_reason,
			created_by, created_at, updated_at)
		VALUES (:id, :title, :category, :status, :sender_identity_id, :smtp_account_id,
			:subject, :html_body, :text_body, :attachments_json, :scheduled_at, :emergency_reason,
			:created_by, :created_at, :updated_at)
		`
		_, err := tx.NamedExec(q, c)
		if err != nil {
			return fmt.Errorf("failed to insert campaign, %w", err)
		}
		return s.appendAuditTx(tx, audit.New(actor, audit.ActionCampaignCreate, "campaign", c.ID, nil, c.Wire()))
	})
}

func (s *sqlite) UpdateCampaign(actor string, c Campaign) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		var before Campaign
		err := tx.Get(&before, `SELECT * FROM campaign WHERE id = ?`, c.ID)
		if err != nil {
			return notFound(err)
		}
		q := `
		UPDATE campaign SET title = :title, category = :category,
			sender_identity_id = :sender_identity_id, smtp_account_id = :smtp_account_id,
			subject = :subject, html_body = :html_body, text_body = :text_body,
			attachments_json = :attachments_json, scheduled_at = :scheduled_at,
			updated_at = :updated_at
		WHERE id = :id
		`
		_, err = tx.NamedExec(q, c)
		if err != nil {
			return fmt.Errorf("failed to update campaign, %w", err)
		}
		return s.appendAuditTx(tx, audit.New(actor, audit.ActionCampaignUpdate, "campaign", c.ID, before.Wire(), c.Wire()))
	})
}

func (s *sqlite) GetCampaign(id string) (*Campaign, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var c Campaign
	err = db.Get(&c, `SELECT * FROM campaign WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *sqlite) ListCampaigns(status string) ([]Campaign, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var cc []Campaign
	if status == "" {
		err = db.Select(&cc, `SELECT * FROM campaign ORDER BY created_at DESC`)
	} else {
		err = db.Select(&cc, `SELECT * FROM campaign WHERE status = ? ORDER BY created_at DESC`, status)
	}
	return cc, err
}

func (s *sqlite) DeleteCampaign(actor, id string) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		var before Campaign
		err := tx.Get(&before, `SELECT * FROM campaign WHERE id = ?`, id)
		if err != nil {
			return notFound(err)
		}
		_, err = tx.Exec(`DELETE FROM campaign WHERE id = ?`, id)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM campaign_audience WHERE campaign_id = ?`, id)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM approval WHERE campaign_id = ?`, id)
		if err != nil {
			return err
		}
		return s.appendAuditTx(tx, audit.New(actor, audit.ActionCampaignDelete, "campaign", id, before.Wire(), nil))
	})
}

// TransitionCampaign moves a campaign between statuses with a compare-and-set
// on the current status. Returns false when the campaign exists but is not in
// any of the expected from states.
func (s *sqlite) TransitionCampaign(actor, action, id string, from []string, to string, scheduledAt *time.Time) (moved bool, err error) {
	err = s.withTX(func(tx *sqlx.Tx) error {
		var before Campaign
		err := tx.Get(&before, `SELECT * FROM campaign WHERE id = ?`, id)
		if err != nil {
			return notFound(err)
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
		args := []interface{}{to, time.Now().In(time.UTC)}
		q := `UPDATE campaign SET status = ?, updated_at = ?`
		if scheduledAt != nil {
			q += `, scheduled_at = ?`
			args = append(args, scheduledAt.In(time.UTC))
		}
		q += ` WHERE id = ? AND status IN (` + placeholders + `)`
		args = append(args, id)
		for _, f := range from {
			args = append(args, f)
		}

		res, err := tx.Exec(q, args...)
		if err != nil {
			return fmt.Errorf("failed to transition campaign, %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		moved = true

		var after Campaign
		err = tx.Get(&after, `SELECT * FROM campaign WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return s.appendAuditTx(tx, audit.New(actor, action, "campaign", id, before.Wire(), after.Wire()))
	})
	return moved, err
}

// SubmitCampaign performs the DRAFT compare-and-set, the audience links and
// the approval rows in one transaction. A lost status race leaves links and
// approvals untouched and returns false.
func (s *sqlite) SubmitCampaign(actor, action, id, to string, scheduledAt *time.Time, emergencyReason string, audienceIDs []string, approvals []Approval) (moved bool, err error) {
	err = s.withTX(func(tx *sqlx.Tx) error {
		var before Campaign
		err := tx.Get(&before, `SELECT * FROM campaign WHERE id = ?`, id)
		if err != nil {
			return notFound(err)
		}

		args := []interface{}{to, time.Now().In(time.UTC)}
		q := `UPDATE campaign SET status = ?, updated_at = ?`
		if scheduledAt != nil {
			q += `, scheduled_at = ?`
			args = append(args, scheduledAt.In(time.UTC))
		}
		if emergencyReason != "" {
			q += `, emergency_reason = ?`
			args = append(args, emergencyReason)
		}
		q += ` WHERE id = ? AND status = 'DRAFT'`
		args = append(args, id)

		res, err := tx.Exec(q, args...)
		if err != nil {
			return fmt.Errorf("failed to submit campaign, %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		moved = true

		_, err = tx.Exec(`DELETE FROM campaign_audience WHERE campaign_id = ?`, id)
		if err != nil {
			return err
		}
		for _, aid := range audienceIDs {
			_, err = tx.Exec(`INSERT INTO campaign_audience (campaign_id, audience_id) VALUES (?, ?)`, id, aid)
			if err != nil {
				return fmt.Errorf("failed to link audience %s, %w", aid, err)
			}
		}
		for _, a := range approvals {
			_, err := tx.NamedExec(`
			INSERT INTO approval (id, campaign_id, required_role, status, approver_email, comment)
			VALUES (:id, :campaign_id, :required_role, :status, :approver_email, :comment)`, a)
			if err != nil {
				return fmt.Errorf("failed to insert approval, %w", err)
			}
		}

		var after Campaign
		err = tx.Get(&after, `SELECT * FROM campaign WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return s.appendAuditTx(tx, audit.New(actor, action, "campaign", id, before.Wire(), after.Wire()))
	})
	return moved, err
}

// DueCampaigns returns SCHEDULED campaigns whose scheduled_at is unset or has
// passed.
func (s *sqlite) DueCampaigns(now time.Time) ([]Campaign, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var cc []Campaign
	q := `
	SELECT * FROM campaign
	WHERE status = 'SCHEDULED' AND (scheduled_at IS NULL OR scheduled_at <= ?)
	ORDER BY created_at
	`
	err = db.Select(&cc, q, now.In(time.UTC))
	return cc, err
}

func (s *sqlite) SetAudienceLinks(campaignID string, audienceIDs []string) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`DELETE FROM campaign_audience WHERE campaign_id = ?`, campaignID)
		if err != nil {
			return err
		}
		for _, aid := range audienceIDs {
			_, err = tx.Exec(`INSERT INTO campaign_audience (campaign_id, audience_id) VALUES (?, ?)`, campaignID, aid)
			if err != nil {
				return fmt.Errorf("failed to link audience %s, %w", aid, err)
			}
		}
		return nil
	})
}

func (s *sqlite) AudienceLinks(campaignID string) ([]string, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ids []string
	err = db.Select(&ids, `SELECT audience_id FROM campaign_audience WHERE campaign_id = ? ORDER BY audience_id`, campaignID)
	return ids, err
}

func (s *sqlite) SaveAudience(actor string, a Audience, rules []AudienceRule, update bool) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		action := audit.ActionAudienceCreate
		var before interface{}
		if update {
			action = audit.ActionAudienceUpdate
			var prev Audience
			err := tx.Get(&prev, `SELECT * FROM audience WHERE id = ?`, a.ID)
			if err != nil {
				return notFound(err)
			}
			before = prev
			_, err = tx.NamedExec(`UPDATE audience SET name = :name, description = :description WHERE id = :id`, a)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`DELETE FROM audience_rule WHERE audience_id = ?`, a.ID)
			if err != nil {
				return err
			}
		} else {
			_, err := tx.NamedExec(`
			INSERT INTO audience (id, name, description, created_by, created_at)
			VALUES (:id, :name, :description, :created_by, :created_at)`, a)
			if err != nil {
				return fmt.Errorf("failed to insert audience, %w", err)
			}
		}
		for i, r := range rules {
			_, err := tx.Exec(`
			INSERT INTO audience_rule (audience_id, rule_type, rule_value, position)
			VALUES (?, ?, ?, ?)`, a.ID, r.RuleType, r.RuleValue, i)
			if err != nil {
				return fmt.Errorf("failed to insert audience rule, %w", err)
			}
		}
		return s.appendAuditTx(tx, audit.New(actor, action, "audience", a.ID, before, a))
	})
}

func (s *sqlite) DeleteAudience(actor, id string) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		var before Audience
		err := tx.Get(&before, `SELECT * FROM audience WHERE id = ?`, id)
		if err != nil {
			return notFound(err)
		}
		_, err = tx.Exec(`DELETE FROM audience WHERE id = ?`, id)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM audience_rule WHERE audience_id = ?`, id)
		if err != nil {
			return err
		}
		return s.appendAuditTx(tx, audit.New(actor, audit.ActionAudienceDelete, "audience", id, before, nil))
	})
}

func (s *sqlite) GetAudience(id string) (*Audience, []AudienceRule, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, nil, err
	}
	var a Audience
	err = db.Get(&a, `SELECT * FROM audience WHERE id = ?`, id)
	if err != nil {
		return nil, nil, notFound(err)
	}
	var rules []AudienceRule
	err = db.Select(&rules, `SELECT * FROM audience_rule WHERE audience_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, nil, err
	}
	return &a, rules, nil
}

func (s *sqlite) ListAudiences() ([]Audience, map[string][]AudienceRule, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, nil, err
	}
	var aa []Audience
	err = db.Select(&aa, `SELECT * FROM audience ORDER BY name`)
	if err != nil {
		return nil, nil, err
	}
	var rules []AudienceRule
	err = db.Select(&rules, `SELECT * FROM audience_rule ORDER BY audience_id, position`)
	if err != nil {
		return nil, nil, err
	}
	byAudience := map[string][]AudienceRule{}
	for _, r := range rules {
		byAudience[r.AudienceID] = append(byAudience[r.AudienceID], r)
	}
	return aa, byAudience, nil
}

// ActiveCampaignLinks counts campaigns referencing the audience in a
// non-terminal state, used to refuse deleting an audience still in use.
func (s *sqlite) ActiveCampaignLinks(audienceID string) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	q := `
	SELECT count(*) FROM campaign_audience ca
	JOIN campaign c ON c.id = ca.campaign_id
	WHERE ca.audience_id = ? AND c.status NOT IN ('COMPLETED', 'CANCELLED')
	`
	err = db.Get(&n, q, audienceID)
	return n, err
}

func (s *sqlite) CreateApprovals(approvals []Approval) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		for _, a := range approvals {
			_, err := tx.NamedExec(`
			INSERT INTO approval (id, campaign_id, required_role, status, approver_email, comment)
			VALUES (:id, :campaign_id, :required_role, :status, :approver_email, :comment)`, a)
			if err != nil {
				return fmt.Errorf("failed to insert approval, %w", err)
			}
		}
		return nil
	})
}

func (s *sqlite) GetApproval(id string) (*Approval, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var a Approval
	err = db.Get(&a, `SELECT * FROM approval WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *sqlite) ListApprovals(campaignID string) ([]Approval, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var aa []Approval
	err = db.Select(&aa, `SELECT * FROM approval WHERE campaign_id = ? ORDER BY required_role`, campaignID)
	return aa, err
}

// ResolveApproval records an approve/reject decision, guarded on the approval
// still being PENDING. Returns false when the decision was already made.
func (s *sqlite) ResolveApproval(actor, id, status, comment string) (resolved bool, err error) {
	err = s.withTX(func(tx *sqlx.Tx) error {
		var before Approval
		err := tx.Get(&before, `SELECT * FROM approval WHERE id = ?`, id)
		if err != nil {
			return notFound(err)
		}
		res, err := tx.Exec(`
		UPDATE approval SET status = ?, approver_email = ?, comment = ?
		WHERE id = ? AND status = 'PENDING'`, status, actor, comment, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		resolved = true

		action := audit.ActionApprovalApprove
		if status == string(easymail.ApprovalRejected) {
			action = audit.ActionApprovalReject
		}
		var after Approval
		err = tx.Get(&after, `SELECT * FROM approval WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return s.appendAuditTx(tx, audit.New(actor, action, "approval", id, before.Wire(), after.Wire()))
	})
	return resolved, err
}
