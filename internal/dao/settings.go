package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/audit"
)

func (s *sqlite) AddSuppression(actor string, e SuppressionEntry) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().In(time.UTC)
		}
		q := `
		INSERT INTO suppression (email, reason, source, created_at)
		VALUES (:email, :reason, :source, :created_at)
		ON CONFLICT (email) DO UPDATE SET reason = excluded.reason, source = excluded.source
		`
		_, err := tx.NamedExec(q, e)
		if err != nil {
			return fmt.Errorf("failed to upsert suppression, %w", err)
		}
		return s.appendAuditTx(tx, audit.New(actor, audit.ActionSuppressionAdd, "suppression", e.Email, nil, e))
	})
}

func (s *sqlite) DeleteSuppression(actor, email string) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		var before SuppressionEntry
		err := tx.Get(&before, `SELECT * FROM suppression WHERE email = ?`, email)
		if err != nil {
			return notFound(err)
		}
		_, err = tx.Exec(`DELETE FROM suppression WHERE email = ?`, email)
		if err != nil {
			return err
		}
		return s.appendAuditTx(tx, audit.New(actor, audit.ActionSuppressionRemove, "suppression", email, before, nil))
	})
}

func (s *sqlite) ListSuppression() ([]SuppressionEntry, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ee []SuppressionEntry
	err = db.Select(&ee, `SELECT * FROM suppression ORDER BY email`)
	return ee, err
}

func (s *sqlite) SuppressedSet() (map[string]SuppressionEntry, error) {
	ee, err := s.ListSuppression()
	if err != nil {
		return nil, err
	}
	set := make(map[string]SuppressionEntry, len(ee))
	for _, e := range ee {
		set[strings.ToLower(e.Email)] = e
	}
	return set, nil
}

func (s *sqlite) SaveSmtpAccount(actor string, a SmtpAccount) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		var before interface{}
		var prev SmtpAccount
		err := tx.Get(&prev, `SELECT * FROM smtp_account WHERE id = ?`, a.ID)
		if err == nil {
			before = prev
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		q := `
		INSERT INTO smtp_account (id, provider, host, port, username, password, use_tls, throttle_per_minute)
		VALUES (:id, :provider, :host, :port, :username, :password, :use_tls, :throttle_per_minute)
		ON CONFLICT (id) DO UPDATE SET provider = excluded.provider, host = excluded.host,
			port = excluded.port, username = excluded.username, password = excluded.password,
			use_tls = excluded.use_tls, throttle_per_minute = excluded.throttle_per_minute
		`
		_, err = tx.NamedExec(q, a)
		if err != nil {
			return fmt.Errorf("failed to upsert smtp account, %w", err)
		}
		a.Password = ""
		return s.appendAuditTx(tx, audit.New(actor, audit.ActionSmtpAccountSave, "smtp_account", a.ID, before, a))
	})
}

func (s *sqlite) GetSmtpAccount(id string) (*SmtpAccount, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var a SmtpAccount
	err = db.Get(&a, `SELECT * FROM smtp_account WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (s *sqlite) ListSmtpAccounts() ([]SmtpAccount, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var aa []SmtpAccount
	err = db.Select(&aa, `SELECT * FROM smtp_account ORDER BY id`)
	return aa, err
}

func (s *sqlite) DeleteSmtpAccount(actor, id string) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		var before SmtpAccount
		err := tx.Get(&before, `SELECT * FROM smtp_account WHERE id = ?`, id)
		if err != nil {
			return notFound(err)
		}
		_, err = tx.Exec(`DELETE FROM smtp_account WHERE id = ?`, id)
		if err != nil {
			return err
		}
		before.Password = ""
		return s.appendAuditTx(tx, audit.New(actor, audit.ActionSmtpAccountDelete, "smtp_account", id, before, nil))
	})
}

func (s *sqlite) SaveSenderIdentity(actor string, ident SenderIdentity) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		var before interface{}
		var prev SenderIdentity
		err := tx.Get(&prev, `SELECT * FROM sender_identity WHERE id = ?`, ident.ID)
		if err == nil {
			before = prev
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		q := `
		INSERT INTO sender_identity (id, display_name, email, smtp_account_id)
		VALUES (:id, :display_name, :email, :smtp_account_id)
		ON CONFLICT (id) DO UPDATE SET display_name = excluded.display_name,
			email = excluded.email, smtp_account_id = excluded.smtp_account_id
		`
		_, err = tx.NamedExec(q, ident)
		if err != nil {
			return fmt.Errorf("failed to upsert sender identity, %w", err)
		}
		return s.appendAuditTx(tx, audit.New(actor, audit.ActionIdentitySave, "sender_identity", ident.ID, before, ident))
	})
}

func (s *sqlite) GetSenderIdentity(id string) (*SenderIdentity, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ident SenderIdentity
	err = db.Get(&ident, `SELECT * FROM sender_identity WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &ident, nil
}

func (s *sqlite) ListSenderIdentities() ([]SenderIdentity, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var ii []SenderIdentity
	err = db.Select(&ii, `SELECT * FROM sender_identity ORDER BY id`)
	return ii, err
}

func (s *sqlite) DeleteSenderIdentity(actor, id string) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		var before SenderIdentity
		err := tx.Get(&before, `SELECT * FROM sender_identity WHERE id = ?`, id)
		if err != nil {
			return notFound(err)
		}
		_, err = tx.Exec(`DELETE FROM sender_identity WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return s.appendAuditTx(tx, audit.New(actor, audit.ActionIdentityDelete, "sender_identity", id, before, nil))
	})
}

// GetPolicy returns the singleton policy row, inserting the defaults on first
// read.
func (s *sqlite) GetPolicy() (*PolicySettings, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var p PolicySettings
	err = db.Get(&p, `SELECT * FROM policy_settings WHERE id = 1`)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	p = PolicySettings{
		ID:                       1,
		Version:                  1,
		OrgWideRule:              "HR_ADMIN+APPROVER",
		DepartmentRule:           "DEPT_ADMIN",
		MaxTestRecipients:        5,
		DefaultThrottlePerMinute: 60,
		SendWindowHours:          2,
	}
	_, err = db.NamedExec(`
	INSERT INTO policy_settings (id, version, org_wide_rule, department_rule, max_test_recipients,
		default_throttle_per_minute, send_window_hours, notification_smtp_account_id, notification_sender_identity_id)
	VALUES (:id, :version, :org_wide_rule, :department_rule, :max_test_recipients,
		:default_throttle_per_minute, :send_window_hours, :notification_smtp_account_id, :notification_sender_identity_id)
	ON CONFLICT (id) DO NOTHING`, p)
	if err != nil {
		return nil, fmt.Errorf("failed to seed policy defaults, %w", err)
	}
	err = db.Get(&p, `SELECT * FROM policy_settings WHERE id = 1`)
	return &p, err
}

// UpdatePolicy writes the policy row guarded on the version the caller read,
// bumping it by one. A stale version returns ErrVersionConflict.
func (s *sqlite) UpdatePolicy(actor string, p PolicySettings) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		var before PolicySettings
		err := tx.Get(&before, `SELECT * FROM policy_settings WHERE id = 1`)
		if err != nil {
			return notFound(err)
		}
		q := `
		UPDATE policy_settings SET version = version + 1, org_wide_rule = ?, department_rule = ?,
			max_test_recipients = ?, default_throttle_per_minute = ?, send_window_hours = ?,
			notification_smtp_account_id = ?, notification_sender_identity_id = ?
		WHERE id = 1 AND version = ?
		`
		res, err := tx.Exec(q, p.OrgWideRule, p.DepartmentRule, p.MaxTestRecipients,
			p.DefaultThrottlePerMinute, p.SendWindowHours,
			p.NotificationSmtpAccountID, p.NotificationSenderIdentity, p.Version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return easymail.ErrVersionConflict
		}
		p.Version++
		return s.appendAuditTx(tx, audit.New(actor, audit.ActionPolicyUpdate, "policy", "1", before.Wire(), p.Wire()))
	})
}
