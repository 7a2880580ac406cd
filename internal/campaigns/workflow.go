package campaigns

import (
	"time"

	"github.com/rs/xid"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/audit"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
	"github.com/ratons127/easy-mail-campaining/internal/signals"
)

type SubmitRequest struct {
	AudienceIDs     []string   `json:"audience_ids"`
	ScheduledAt     *time.Time `json:"scheduled_at,omitempty"`
	EmergencyReason string     `json:"emergency_reason,omitempty"`
}

// Submit moves a DRAFT into the approval workflow. A SUPER_ADMIN submitting
// an EMERGENCY campaign with a stated reason bypasses approval and goes
// straight to SCHEDULED.
func (s *Service) Submit(actor easymail.Actor, campaignID string, req SubmitRequest) (*easymail.Campaign, error) {
	if !actor.Has(editorRoles...) {
		return nil, easymail.Unauthorizedf("role may not submit campaigns")
	}
	current, err := s.db.GetCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	if current.Status != string(easymail.StatusDraft) {
		return nil, easymail.Validationf("only DRAFT campaigns can be submitted, campaign is %s", current.Status)
	}
	err = s.validateSubmittable(current, req)
	if err != nil {
		return nil, err
	}

	if current.Category == string(easymail.CategoryEmergency) {
		return s.submitEmergency(actor, current, req)
	}

	roles, err := s.policy.RequiredRoles(easymail.Category(current.Category))
	if err != nil {
		return nil, err
	}

	var approvals []dao.Approval
	for _, role := range roles {
		approvals = append(approvals, dao.Approval{
			ID:           xid.New().String(),
			CampaignID:   campaignID,
			RequiredRole: string(role),
			Status:       string(easymail.ApprovalPending),
		})
	}

	// the status CAS, audience links and approval rows land in one
	// transaction, a submit that loses the status race changes nothing
	moved, err := s.db.SubmitCampaign(actor.Email, audit.ActionCampaignSubmit, campaignID,
		string(easymail.StatusPendingApproval), req.ScheduledAt, "", req.AudienceIDs, approvals)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, easymail.Validationf("campaign left DRAFT while submitting")
	}
	s.log.WithField("campaign", campaignID).Info("submitted for approval")
	return s.Get(actor, campaignID)
}

func (s *Service) submitEmergency(actor easymail.Actor, current *dao.Campaign, req SubmitRequest) (*easymail.Campaign, error) {
	if !actor.Has(easymail.RoleSuperAdmin) {
		return nil, easymail.Unauthorizedf("only SUPER_ADMIN may send EMERGENCY campaigns")
	}
	if req.EmergencyReason == "" {
		return nil, easymail.Validationf("emergency_reason is required for EMERGENCY campaigns")
	}

	moved, err := s.db.SubmitCampaign(actor.Email, audit.ActionEmergencyBypass, current.ID,
		string(easymail.StatusScheduled), req.ScheduledAt, req.EmergencyReason, req.AudienceIDs, nil)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, easymail.Validationf("campaign left DRAFT while submitting")
	}
	s.log.WithField("campaign", current.ID).Warn("approval bypassed for emergency campaign")
	signals.Broadcast(signals.CampaignScheduled)
	return s.Get(actor, current.ID)
}

func (s *Service) validateSubmittable(c *dao.Campaign, req SubmitRequest) error {
	if len(req.AudienceIDs) == 0 {
		return easymail.Validationf("at least one audience is required")
	}
	for _, id := range req.AudienceIDs {
		_, _, err := s.db.GetAudience(id)
		if err != nil {
			return easymail.Validationf("audience %s does not exist", id)
		}
	}
	if c.Subject == "" {
		return easymail.Validationf("subject is required")
	}
	if c.HTMLBody == "" && c.TextBody == "" {
		return easymail.Validationf("a html or text body is required")
	}
	if c.SmtpAccountID == "" {
		return easymail.Validationf("an smtp account is required")
	}
	if c.SenderIdentityID == "" {
		return easymail.Validationf("a sender identity is required")
	}
	if req.ScheduledAt != nil && req.ScheduledAt.Before(time.Now().Add(-time.Minute)) {
		return easymail.Validationf("scheduled_at must not be in the past")
	}
	return nil
}

func (s *Service) Approvals(_ easymail.Actor, campaignID string) ([]easymail.Approval, error) {
	rows, err := s.db.ListApprovals(campaignID)
	if err != nil {
		return nil, err
	}
	out := make([]easymail.Approval, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Wire())
	}
	return out, nil
}

// Approve records an approval. When the last pending approval lands the
// campaign moves to SCHEDULED and the dispatcher is woken.
func (s *Service) Approve(actor easymail.Actor, approvalID, comment string) error {
	approval, err := s.db.GetApproval(approvalID)
	if err != nil {
		return err
	}
	if !actor.Has(easymail.Role(approval.RequiredRole), easymail.RoleSuperAdmin) {
		return easymail.Unauthorizedf("approval requires role %s", approval.RequiredRole)
	}
	campaign, err := s.db.GetCampaign(approval.CampaignID)
	if err != nil {
		return err
	}
	if campaign.CreatedBy == actor.Email {
		return easymail.Unauthorizedf("campaign creators may not approve their own campaigns")
	}
	if campaign.Status != string(easymail.StatusPendingApproval) {
		return easymail.Validationf("campaign is not pending approval")
	}

	resolved, err := s.db.ResolveApproval(actor.Email, approvalID, string(easymail.ApprovalApproved), comment)
	if err != nil {
		return err
	}
	if !resolved {
		return easymail.Validationf("approval has already been decided")
	}

	all, err := s.db.ListApprovals(approval.CampaignID)
	if err != nil {
		return err
	}
	for _, a := range all {
		if a.Status != string(easymail.ApprovalApproved) {
			return nil
		}
	}

	moved, err := s.db.TransitionCampaign(actor.Email, audit.ActionCampaignSchedule, approval.CampaignID,
		[]string{string(easymail.StatusPendingApproval)}, string(easymail.StatusScheduled), nil)
	if err != nil {
		return err
	}
	if moved {
		s.log.WithField("campaign", approval.CampaignID).Info("all approvals in, campaign scheduled")
		signals.Broadcast(signals.CampaignScheduled)
	}
	return nil
}

// Reject cancels the campaign. A rejected campaign is never sent, the author
// duplicates it into a new draft if they want another round.
func (s *Service) Reject(actor easymail.Actor, approvalID, comment string) error {
	approval, err := s.db.GetApproval(approvalID)
	if err != nil {
		return err
	}
	if !actor.Has(easymail.Role(approval.RequiredRole), easymail.RoleSuperAdmin) {
		return easymail.Unauthorizedf("approval requires role %s", approval.RequiredRole)
	}

	resolved, err := s.db.ResolveApproval(actor.Email, approvalID, string(easymail.ApprovalRejected), comment)
	if err != nil {
		return err
	}
	if !resolved {
		return easymail.Validationf("approval has already been decided")
	}

	_, err = s.db.TransitionCampaign(actor.Email, audit.ActionCampaignCancel, approval.CampaignID,
		[]string{string(easymail.StatusPendingApproval)}, string(easymail.StatusCancelled), nil)
	return err
}

// Cancel stops a campaign before or during sending. An in-flight delivery
// attempt is allowed to finish, remaining PENDING recipients stay untouched.
func (s *Service) Cancel(actor easymail.Actor, campaignID string) error {
	if !actor.Has(editorRoles...) {
		return easymail.Unauthorizedf("role may not cancel campaigns")
	}
	moved, err := s.db.TransitionCampaign(actor.Email, audit.ActionCampaignCancel, campaignID,
		[]string{
			string(easymail.StatusPendingApproval),
			string(easymail.StatusScheduled),
			string(easymail.StatusSending),
		}, string(easymail.StatusCancelled), nil)
	if err != nil {
		return err
	}
	if !moved {
		return easymail.Validationf("campaign cannot be cancelled from its current status")
	}
	s.log.WithField("campaign", campaignID).Info("campaign cancelled")
	return nil
}

// Schedule moves the send time of a SCHEDULED campaign. A nil time means the
// next dispatcher tick picks it up.
func (s *Service) Schedule(actor easymail.Actor, campaignID string, at *time.Time) error {
	if !actor.Has(editorRoles...) {
		return easymail.Unauthorizedf("role may not schedule campaigns")
	}
	if at != nil && at.Before(time.Now().Add(-time.Minute)) {
		return easymail.Validationf("scheduled_at must not be in the past")
	}
	if at == nil {
		now := time.Now().In(time.UTC)
		at = &now
	}
	moved, err := s.db.TransitionCampaign(actor.Email, audit.ActionCampaignSchedule, campaignID,
		[]string{string(easymail.StatusScheduled)}, string(easymail.StatusScheduled), at)
	if err != nil {
		return err
	}
	if !moved {
		return easymail.Validationf("only SCHEDULED campaigns can be rescheduled")
	}
	s.log.WithField("campaign", campaignID).Info("campaign rescheduled")
	signals.Broadcast(signals.CampaignScheduled)
	return nil
}

// Requeue schedules a COMPLETED campaign again. The next send expands a new
// recipient generation, prior generations keep their outcome for reporting.
func (s *Service) Requeue(actor easymail.Actor, campaignID string) error {
	if !actor.Has(editorRoles...) {
		return easymail.Unauthorizedf("role may not requeue campaigns")
	}
	moved, err := s.db.TransitionCampaign(actor.Email, audit.ActionCampaignRequeue, campaignID,
		[]string{string(easymail.StatusCompleted)}, string(easymail.StatusScheduled), nil)
	if err != nil {
		return err
	}
	if !moved {
		return easymail.Validationf("only COMPLETED campaigns can be requeued")
	}
	s.log.WithField("campaign", campaignID).Info("campaign requeued")
	signals.Broadcast(signals.CampaignScheduled)
	return nil
}
