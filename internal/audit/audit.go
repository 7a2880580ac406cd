// Package audit defines the append-only audit trail entries written by every
// state-changing operation. Entries are persisted by the dao on the same
// transaction as the mutation they describe, a failed audit write fails the
// mutation itself.
package audit

import (
	"encoding/json"
	"time"
)

const (
	ActionCampaignCreate     = "CAMPAIGN_CREATE"
	ActionCampaignUpdate     = "CAMPAIGN_UPDATE"
	ActionCampaignDelete     = "CAMPAIGN_DELETE"
	ActionCampaignDuplicate  = "CAMPAIGN_DUPLICATE"
	ActionCampaignSubmit     = "CAMPAIGN_SUBMIT"
	ActionCampaignSchedule   = "CAMPAIGN_SCHEDULE"
	ActionCampaignCancel     = "CAMPAIGN_CANCEL"
	ActionCampaignRequeue    = "CAMPAIGN_REQUEUE"
	ActionCampaignExpand     = "CAMPAIGN_EXPAND"
	ActionCampaignTestSend   = "CAMPAIGN_TEST_SEND"
	ActionCampaignAttachment = "CAMPAIGN_ATTACHMENT_ADD"
	ActionEmergencyBypass    = "EMERGENCY_BYPASS"
	ActionApprovalApprove    = "APPROVAL_APPROVE"
	ActionApprovalReject     = "APPROVAL_REJECT"
	ActionAudienceCreate     = "AUDIENCE_CREATE"
	ActionAudienceUpdate     = "AUDIENCE_UPDATE"
	ActionAudienceDelete     = "AUDIENCE_DELETE"
	ActionSuppressionAdd     = "SUPPRESSION_ADD"
	ActionSuppressionRemove  = "SUPPRESSION_REMOVE"
	ActionSmtpAccountSave    = "SMTP_ACCOUNT_SAVE"
	ActionSmtpAccountDelete  = "SMTP_ACCOUNT_DELETE"
	ActionIdentitySave       = "SENDER_IDENTITY_SAVE"
	ActionIdentityDelete     = "SENDER_IDENTITY_DELETE"
	ActionPolicyUpdate       = "POLICY_UPDATE"
	ActionBounceReceived     = "BOUNCE_RECEIVED"
)

type Entry struct {
	ActorEmail   string
	Action       string
	ResourceType string
	ResourceID   string
	Before       string
	After        string
	CreatedAt    time.Time
}

// New builds an entry, marshalling before/after into JSON snapshots. Nil
// snapshots become empty strings.
func New(actor, action, resourceType, resourceID string, before, after any) Entry {
	return Entry{
		ActorEmail:   actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Before:       Snapshot(before),
		After:        Snapshot(after),
		CreatedAt:    time.Now().In(time.UTC),
	}
}

func Snapshot(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
