package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/audit"
)

// DAO is the persistence surface of the engine. Every mutating method that
// takes an actor writes its audit row on the same transaction as the
// mutation, a failed audit write rolls the mutation back.
type DAO interface {
	CreateCampaign(actor string, c Campaign) error
	UpdateCampaign(actor string, c Campaign) error
	GetCampaign(id string) (*Campaign, error)
	ListCampaigns(status string) ([]Campaign, error)
	DeleteCampaign(actor, id string) error
	TransitionCampaign(actor, action, id string, from []string, to string, scheduledAt *time.Time) (bool, error)
	SubmitCampaign(actor, action, id, to string, scheduledAt *time.Time, emergencyReason string, audienceIDs []string, approvals []Approval) (bool, error)
	DueCampaigns(now time.Time) ([]Campaign, error)
	SetAudienceLinks(campaignID string, audienceIDs []string) error
	AudienceLinks(campaignID string) ([]string, error)

	SaveAudience(actor string, a Audience, rules []AudienceRule, update bool) error
	DeleteAudience(actor, id string) error
	GetAudience(id string) (*Audience, []AudienceRule, error)
	ListAudiences() ([]Audience, map[string][]AudienceRule, error)
	ActiveCampaignLinks(audienceID string) (int, error)

	CreateApprovals(approvals []Approval) error
	GetApproval(id string) (*Approval, error)
	ListApprovals(campaignID string) ([]Approval, error)
	ResolveApproval(actor, id, status, comment string) (bool, error)

	LatestGeneration(campaignID string) (int, error)
	InsertRecipients(rows []Recipient) error
	PendingRecipients(campaignID string, generation int) ([]Recipient, error)
	GetRecipient(id int64) (*Recipient, error)
	UpdateRecipientAttempt(id int64, status string, retryCount int, lastError string) error
	ListRecipients(campaignID string, generation int) ([]Recipient, error)
	RecipientCounts(campaignID string, generation int) (map[string]int, error)

	AddSuppression(actor string, e SuppressionEntry) error
	DeleteSuppression(actor, email string) error
	ListSuppression() ([]SuppressionEntry, error)
	SuppressedSet() (map[string]SuppressionEntry, error)

	SaveSmtpAccount(actor string, a SmtpAccount) error
	GetSmtpAccount(id string) (*SmtpAccount, error)
	ListSmtpAccounts() ([]SmtpAccount, error)
	DeleteSmtpAccount(actor, id string) error
	SaveSenderIdentity(actor string, s SenderIdentity) error
	GetSenderIdentity(id string) (*SenderIdentity, error)
	ListSenderIdentities() ([]SenderIdentity, error)
	DeleteSenderIdentity(actor, id string) error

	GetPolicy() (*PolicySettings, error)
	UpdatePolicy(actor string, p PolicySettings) error

	AppendAudit(e audit.Entry) error
	ListAudit(limit int, resourceType, resourceID string) ([]AuditRow, error)
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return easymail.ErrNotFound
	}
	return err
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;
			pragma foreign_keys = on;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {
	var err error
	for s.db == nil || s.db.Ping() != nil {
		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}
	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

// withTX runs fn in a transaction, committing on nil error and rolling back
// otherwise.
func (s *sqlite) withTX(fn func(tx *sqlx.Tx) error) (err error) {
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()
	err = fn(tx)
	return
}

func (s *sqlite) appendAuditTx(tx *sqlx.Tx, e audit.Entry) error {
	q := `
	INSERT INTO audit_log (actor_email, action, resource_type, resource_id, before_snapshot, after_snapshot, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().In(time.UTC)
	}
	_, err := tx.Exec(q, e.ActorEmail, e.Action, e.ResourceType, e.ResourceID, e.Before, e.After, created)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry, %w", err)
	}
	return nil
}

func (s *sqlite) AppendAudit(e audit.Entry) error {
	return s.withTX(func(tx *sqlx.Tx) error {
		return s.appendAuditTx(tx, e)
	})
}

func (s *sqlite) ListAudit(limit int, resourceType, resourceID string) ([]AuditRow, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}

	q := `SELECT * FROM audit_log WHERE 1=1`
	var args []interface{}
	if resourceType != "" {
		q += ` AND resource_type = ?`
		args = append(args, resourceType)
	}
	if resourceID != "" {
		q += ` AND resource_id = ?`
		args = append(args, resourceID)
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var rows []AuditRow
	err = db.Select(&rows, q, args...)
	return rows, err
}

func (s *sqlite) ensureSchema() error {
	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS campaign (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		category TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'DRAFT',
		sender_identity_id TEXT NOT NULL,
		smtp_account_id TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		html_body TEXT NOT NULL DEFAULT '',
		text_body TEXT NOT NULL DEFAULT '',
		attachments_json TEXT NOT NULL DEFAULT '[]',
		scheduled_at DATETIME,
		emergency_reason TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS campaign_audience (
		campaign_id TEXT NOT NULL,
		audience_id TEXT NOT NULL,
		PRIMARY KEY (campaign_id, audience_id)
	);

	CREATE TABLE IF NOT EXISTS audience (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audience_rule (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		audience_id TEXT NOT NULL,
		rule_type TEXT NOT NULL,
		rule_value TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_audience_rule ON audience_rule(audience_id);

	CREATE TABLE IF NOT EXISTS approval (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		required_role TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		approver_email TEXT NOT NULL DEFAULT '',
		comment TEXT NOT NULL DEFAULT '',
		UNIQUE (campaign_id, required_role)
	);

	CREATE TABLE IF NOT EXISTS campaign_recipient (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		campaign_id TEXT NOT NULL,
		generation INTEGER NOT NULL DEFAULT 1,
		email TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL,
		UNIQUE (campaign_id, generation, email)
	);
	CREATE INDEX IF NOT EXISTS idx_recipient_pending
		ON campaign_recipient(campaign_id, generation) WHERE status = 'PENDING';

	CREATE TABLE IF NOT EXISTS suppression (
		email TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS smtp_account (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL DEFAULT '',
		host TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 587,
		username TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL DEFAULT '',
		use_tls BOOLEAN NOT NULL DEFAULT 1,
		throttle_per_minute INTEGER NOT NULL DEFAULT 60
	);

	CREATE TABLE IF NOT EXISTS sender_identity (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL,
		smtp_account_id TEXT NOT NULL REFERENCES smtp_account(id)
	);

	CREATE TABLE IF NOT EXISTS policy_settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL DEFAULT 1,
		org_wide_rule TEXT NOT NULL,
		department_rule TEXT NOT NULL,
		max_test_recipients INTEGER NOT NULL,
		default_throttle_per_minute INTEGER NOT NULL,
		send_window_hours INTEGER NOT NULL,
		notification_smtp_account_id TEXT NOT NULL DEFAULT '',
		notification_sender_identity_id TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		actor_email TEXT NOT NULL,
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		before_snapshot TEXT NOT NULL DEFAULT '',
		after_snapshot TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}
	return nil
}
