package dao

import (
	"database/sql"
	"encoding/json"
	"time"

	easymail "github.com/ratons127/easy-mail-campaining"
)

type Campaign struct {
	ID               string       `db:"id"`
	Title            string       `db:"title"`
	Category         string       `db:"category"`
	Status           string       `db:"status"`
	SenderIdentityID string       `db:"sender_identity_id"`
	SmtpAccountID    string       `db:"smtp_account_id"`
	Subject          string       `db:"subject"`
	HTMLBody         string       `db:"html_body"`
	TextBody         string       `db:"text_body"`
	AttachmentsJSON  string       `db:"attachments_json"`
	ScheduledAt      sql.NullTime `db:"scheduled_at"`
	EmergencyReason  string       `db:"emergency_reason"`
	CreatedBy        string       `db:"created_by"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

func (c Campaign) Wire() easymail.Campaign {
	var attachments []easymail.Attachment
	_ = json.Unmarshal([]byte(c.AttachmentsJSON), &attachments)
	w := easymail.Campaign{
		ID:               c.ID,
		Title:            c.Title,
		Category:         easymail.Category(c.Category),
		Status:           easymail.CampaignStatus(c.Status),
		SenderIdentityID: c.SenderIdentityID,
		SmtpAccountID:    c.SmtpAccountID,
		Subject:          c.Subject,
		HTMLBody:         c.HTMLBody,
		TextBody:         c.TextBody,
		Attachments:      attachments,
		EmergencyReason:  c.EmergencyReason,
		CreatedBy:        c.CreatedBy,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
	if c.ScheduledAt.Valid {
		t := c.ScheduledAt.Time
		w.ScheduledAt = &t
	}
	return w
}

type Audience struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Description string    `db:"description"`
	CreatedBy   string    `db:"created_by"`
	CreatedAt   time.Time `db:"created_at"`
}

type AudienceRule struct {
	ID         int64  `db:"id"`
	AudienceID string `db:"audience_id"`
	RuleType   string `db:"rule_type"`
	RuleValue  string `db:"rule_value"`
	Position   int    `db:"position"`
}

type Approval struct {
	ID            string `db:"id"`
	CampaignID    string `db:"campaign_id"`
	RequiredRole  string `db:"required_role"`
	Status        string `db:"status"`
	ApproverEmail string `db:"approver_email"`
	Comment       string `db:"comment"`
}

func (a Approval) Wire() easymail.Approval {
	return easymail.Approval{
		ID:            a.ID,
		CampaignID:    a.CampaignID,
		RequiredRole:  easymail.Role(a.RequiredRole),
		Status:        easymail.ApprovalStatus(a.Status),
		ApproverEmail: a.ApproverEmail,
		Comment:       a.Comment,
	}
}

type Recipient struct {
	ID         int64     `db:"id"`
	CampaignID string    `db:"campaign_id"`
	Generation int       `db:"generation"`
	Email      string    `db:"email"`
	FullName   string    `db:"full_name"`
	Status     string    `db:"status"`
	RetryCount int       `db:"retry_count"`
	LastError  string    `db:"last_error"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r Recipient) Wire() easymail.Recipient {
	return easymail.Recipient{
		CampaignID: r.CampaignID,
		Generation: r.Generation,
		Email:      r.Email,
		FullName:   r.FullName,
		Status:     easymail.RecipientStatus(r.Status),
		RetryCount: r.RetryCount,
		LastError:  r.LastError,
		UpdatedAt:  r.UpdatedAt,
	}
}

type SuppressionEntry struct {
	Email     string    `db:"email"`
	Reason    string    `db:"reason"`
	Source    string    `db:"source"`
	CreatedAt time.Time `db:"created_at"`
}

type SmtpAccount struct {
	ID                string `db:"id"`
	Provider          string `db:"provider"`
	Host              string `db:"host"`
	Port              int    `db:"port"`
	Username          string `db:"username"`
	Password          string `db:"password"`
	UseTLS            bool   `db:"use_tls"`
	ThrottlePerMinute int    `db:"throttle_per_minute"`
}

type SenderIdentity struct {
	ID            string `db:"id"`
	DisplayName   string `db:"display_name"`
	Email         string `db:"email"`
	SmtpAccountID string `db:"smtp_account_id"`
}

type PolicySettings struct {
	ID                         int64  `db:"id"`
	Version                    int64  `db:"version"`
	OrgWideRule                string `db:"org_wide_rule"`
	DepartmentRule             string `db:"department_rule"`
	MaxTestRecipients          int    `db:"max_test_recipients"`
	DefaultThrottlePerMinute   int    `db:"default_throttle_per_minute"`
	SendWindowHours            int    `db:"send_window_hours"`
	NotificationSmtpAccountID  string `db:"notification_smtp_account_id"`
	NotificationSenderIdentity string `db:"notification_sender_identity_id"`
}

func (p PolicySettings) Wire() easymail.PolicySettings {
	return easymail.PolicySettings{
		Version:                    p.Version,
		OrgWideRule:                p.OrgWideRule,
		DepartmentRule:             p.DepartmentRule,
		MaxTestRecipients:          p.MaxTestRecipients,
		DefaultThrottlePerMinute:   p.DefaultThrottlePerMinute,
		SendWindowHours:            p.SendWindowHours,
		NotificationSmtpAccountID:  p.NotificationSmtpAccountID,
		NotificationSenderIdentity: p.NotificationSenderIdentity,
	}
}

type AuditRow struct {
	ID             int64     `db:"id"`
	ActorEmail     string    `db:"actor_email"`
	Action         string    `db:"action"`
	ResourceType   string    `db:"resource_type"`
	ResourceID     string    `db:"resource_id"`
	BeforeSnapshot string    `db:"before_snapshot"`
	AfterSnapshot  string    `db:"after_snapshot"`
	CreatedAt      time.Time `db:"created_at"`
}
