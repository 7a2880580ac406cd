// Package easymail holds the public wire model of the campaign delivery
// engine: the entities exchanged over the REST API and the vocabulary of
// statuses, roles and rule types shared by server and client.
package easymail

import (
	"fmt"
	"strings"
	"time"
)

type CampaignStatus string

const (
	StatusDraft           CampaignStatus = "DRAFT"
	StatusPendingApproval CampaignStatus = "PENDING_APPROVAL"
	StatusScheduled       CampaignStatus = "SCHEDULED"
	StatusSending         CampaignStatus = "SENDING"
	StatusCompleted       CampaignStatus = "COMPLETED"
	StatusCancelled       CampaignStatus = "CANCELLED"
)

type RecipientStatus string

const (
	RecipientPending    RecipientStatus = "PENDING"
	RecipientSent       RecipientStatus = "SENT"
	RecipientFailed     RecipientStatus = "FAILED"
	RecipientSuppressed RecipientStatus = "SUPPRESSED"
	RecipientBounced    RecipientStatus = "BOUNCED"
)

// Terminal reports whether no further delivery attempts will be made for a
// recipient in this status.
func (s RecipientStatus) Terminal() bool {
	return s != RecipientPending
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

type Category string

const (
	CategoryOrgWide      Category = "ORG_WIDE"
	CategoryDepartmental Category = "DEPARTMENTAL"
	CategoryGeneral      Category = "GENERAL"
	CategoryEmergency    Category = "EMERGENCY"
)

var Categories = []Category{CategoryOrgWide, CategoryDepartmental, CategoryGeneral, CategoryEmergency}

type Role string

const (
	RoleSuperAdmin Role = "SUPER_ADMIN"
	RoleHRAdmin    Role = "HR_ADMIN"
	RoleDeptAdmin  Role = "DEPT_ADMIN"
	RoleApprover   Role = "APPROVER"
	RoleSender     Role = "SENDER"
	RoleAuditor    Role = "AUDITOR"
)

type RuleType string

const (
	RuleDepartment    RuleType = "DEPARTMENT"
	RuleLocation      RuleType = "LOCATION"
	RuleTitleContains RuleType = "TITLE_CONTAINS"
	RuleStatus        RuleType = "STATUS"
)

type EmployeeStatus string

const (
	EmployeeActive   EmployeeStatus = "ACTIVE"
	EmployeeInactive EmployeeStatus = "INACTIVE"
)

// Actor is the authenticated caller of an API operation. Session issuance is
// the concern of an upstream gateway, the engine only consumes the result.
type Actor struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

func (a Actor) Has(roles ...Role) bool {
	for _, r := range roles {
		for _, have := range a.Roles {
			if strings.EqualFold(have, string(r)) {
				return true
			}
		}
	}
	return false
}

type Employee struct {
	ID           int64          `json:"id"`
	Email        string         `json:"email"`
	FullName     string         `json:"full_name"`
	Title        string         `json:"title"`
	Status       EmployeeStatus `json:"status"`
	DepartmentID int64          `json:"department_id"`
	LocationID   int64          `json:"location_id"`
}

type AudienceRule struct {
	RuleType  RuleType `json:"rule_type"`
	RuleValue string   `json:"rule_value"`
}

type Audience struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Rules       []AudienceRule `json:"rules"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at,omitempty"`
}

type AudiencePreview struct {
	Count  int        `json:"count"`
	Sample []Employee `json:"sample"`
}

type Attachment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	StoredName  string    `json:"stored_name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type Campaign struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Category         Category       `json:"category"`
	Status           CampaignStatus `json:"status"`
	SenderIdentityID string         `json:"sender_identity_id"`
	SmtpAccountID    string         `json:"smtp_account_id"`
	Subject          string         `json:"subject"`
	HTMLBody         string         `json:"html_body"`
	TextBody         string         `json:"text_body"`
	Attachments      []Attachment   `json:"attachments,omitempty"`
	AudienceIDs      []string       `json:"audience_ids,omitempty"`
	ScheduledAt      *time.Time     `json:"scheduled_at,omitempty"`
	EmergencyReason  string         `json:"emergency_reason,omitempty"`
	CreatedBy        string         `json:"created_by,omitempty"`
	CreatedAt        time.Time      `json:"created_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at,omitempty"`
}

type Approval struct {
	ID            string         `json:"id"`
	CampaignID    string         `json:"campaign_id"`
	RequiredRole  Role           `json:"required_role"`
	Status        ApprovalStatus `json:"status"`
	ApproverEmail string         `json:"approver_email,omitempty"`
	Comment       string         `json:"comment,omitempty"`
}

type Recipient struct {
	CampaignID string          `json:"campaign_id"`
	Generation int             `json:"generation"`
	Email      string          `json:"email"`
	FullName   string          `json:"full_name"`
	Status     RecipientStatus `json:"status"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type SuppressionEntry struct {
	Email     string    `json:"email"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

type SmtpAccount struct {
	ID                string `json:"id"`
	Provider          string `json:"provider"`
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Username          string `json:"username"`
	Password          string `json:"password,omitempty"`
	UseTLS            bool   `json:"use_tls"`
	ThrottlePerMinute int    `json:"throttle_per_minute"`
}

type SenderIdentity struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Email         string `json:"email"`
	SmtpAccountID string `json:"smtp_account_id"`
}

// PolicySettings is the single process-wide configuration record. Version
// implements compare-and-swap updates, a stale write is rejected.
type PolicySettings struct {
	Version                    int64  `json:"version"`
	OrgWideRule                string `json:"org_wide_rule"`
	DepartmentRule             string `json:"department_rule"`
	MaxTestRecipients          int    `json:"max_test_recipients"`
	DefaultThrottlePerMinute   int    `json:"default_throttle_per_minute"`
	SendWindowHours            int    `json:"send_window_hours"`
	NotificationSmtpAccountID  string `json:"notification_smtp_account_id,omitempty"`
	NotificationSenderIdentity string `json:"notification_sender_identity_id,omitempty"`
}

type AuditEntry struct {
	ID             string    `json:"id"`
	ActorEmail     string    `json:"actor_email"`
	Action         string    `json:"action"`
	ResourceType   string    `json:"resource_type"`
	ResourceID     string    `json:"resource_id"`
	BeforeSnapshot string    `json:"before_snapshot,omitempty"`
	AfterSnapshot  string    `json:"after_snapshot,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type ReportSummary struct {
	CampaignID string                  `json:"campaign_id"`
	Generation int                     `json:"generation"`
	Total      int                     `json:"total"`
	ByStatus   map[RecipientStatus]int `json:"by_status"`
}

// NormalizeEmail is the canonical form used for deduplication and
// suppression matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r AudienceRule) String() string {
	return fmt.Sprintf("%s=%s", r.RuleType, r.RuleValue)
}
