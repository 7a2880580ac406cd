package campaigns

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
	"github.com/ratons127/easy-mail-campaining/internal/policy"
)

var (
	sender   = easymail.Actor{Email: "sender@example.com", Roles: []string{"SENDER"}}
	hrAdmin  = easymail.Actor{Email: "hr@example.com", Roles: []string{"HR_ADMIN"}}
	approver = easymail.Actor{Email: "approver@example.com", Roles: []string{"APPROVER"}}
	root     = easymail.Actor{Email: "root@example.com", Roles: []string{"SUPER_ADMIN"}}
)

func setup(t *testing.T) (*Service, dao.DAO) {
	t.Helper()
	dir := t.TempDir()
	db, err := dao.NewSQLite(filepath.Join(dir, "test.sqlite"))
	if err != nil {
		t.Fatal(err)
	}

	err = db.SaveSmtpAccount("root@example.com", dao.SmtpAccount{ID: "smtp-1", Host: "smtp.example.com", Port: 587, ThrottlePerMinute: 60})
	if err != nil {
		t.Fatal(err)
	}
	err = db.SaveSenderIdentity("root@example.com", dao.SenderIdentity{ID: "ident-1", Email: "no-reply@example.com", SmtpAccountID: "smtp-1"})
	if err != nil {
		t.Fatal(err)
	}
	err = db.SaveAudience("root@example.com", dao.Audience{ID: "aud-1", Name: "Everyone active"},
		[]dao.AudienceRule{{RuleType: "STATUS", RuleValue: "ACTIVE"}}, false)
	if err != nil {
		t.Fatal(err)
	}

	svc := New(Config{AttachmentsDir: filepath.Join(dir, "attachments")}, db, policy.New(db))
	return svc, db
}

func draft(t *testing.T, svc *Service, category easymail.Category) *easymail.Campaign {
	t.Helper()
	c, err := svc.Create(sender, easymail.Campaign{
		Title:            "Town hall",
		Category:         category,
		SenderIdentityID: "ident-1",
		SmtpAccountID:    "smtp-1",
		Subject:          "Friday town hall",
		TextBody:         "See you there",
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func submit(t *testing.T, svc *Service, actor easymail.Actor, id string) *easymail.Campaign {
	t.Helper()
	c, err := svc.Submit(actor, id, SubmitRequest{AudienceIDs: []string{"aud-1"}})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestSubmitCreatesApprovals(t *testing.T) {
	svc, _ := setup(t)

	c := draft(t, svc, easymail.CategoryOrgWide)
	c = submit(t, svc, sender, c.ID)
	if c.Status != easymail.StatusPendingApproval {
		t.Fatalf("expected PENDING_APPROVAL, got %s", c.Status)
	}

	aa, err := svc.Approvals(sender, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	// ORG_WIDE defaults to HR_ADMIN+APPROVER
	if len(aa) != 2 {
		t.Fatalf("expected 2 approvals, got %d", len(aa))
	}
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := setup(t)
	c := draft(t, svc, easymail.CategoryGeneral)

	_, err := svc.Submit(sender, c.ID, SubmitRequest{})
	if !errors.Is(err, easymail.ErrValidation) {
		t.Fatalf("expected ErrValidation for empty audiences, got %v", err)
	}
	_, err = svc.Submit(sender, c.ID, SubmitRequest{AudienceIDs: []string{"nope"}})
	if !errors.Is(err, easymail.ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown audience, got %v", err)
	}

	submit(t, svc, sender, c.ID)
	_, err = svc.Submit(sender, c.ID, SubmitRequest{AudienceIDs: []string{"aud-1"}})
	if !errors.Is(err, easymail.ErrValidation) {
		t.Fatalf("expected ErrValidation on double submit, got %v", err)
	}
}

func TestApprovalFlowToScheduled(t *testing.T) {
	svc, _ := setup(t)
	c := draft(t, svc, easymail.CategoryOrgWide)
	submit(t, svc, sender, c.ID)

	aa, err := svc.Approvals(sender, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	byRole := map[easymail.Role]easymail.Approval{}
	for _, a := range aa {
		byRole[a.RequiredRole] = a
	}

	// wrong role may not approve
	err = svc.Approve(sender, byRole[easymail.RoleHRAdmin].ID, "")
	if !errors.Is(err, easymail.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	err = svc.Approve(hrAdmin, byRole[easymail.RoleHRAdmin].ID, "fine by hr")
	if err != nil {
		t.Fatal(err)
	}
	got, err := svc.Get(sender, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != easymail.StatusPendingApproval {
		t.Fatalf("one of two approvals should not schedule, got %s", got.Status)
	}

	err = svc.Approve(approver, byRole[easymail.RoleApprover].ID, "")
	if err != nil {
		t.Fatal(err)
	}
	got, err = svc.Get(sender, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != easymail.StatusScheduled {
		t.Fatalf("expected SCHEDULED after all approvals, got %s", got.Status)
	}
}

func TestRejectCancelsCampaign(t *testing.T) {
	svc, _ := setup(t)
	c := draft(t, svc, easymail.CategoryGeneral)
	submit(t, svc, sender, c.ID)

	aa, err := svc.Approvals(sender, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	err = svc.Reject(approver, aa[0].ID, "wrong audience")
	if err != nil {
		t.Fatal(err)
	}

	got, err := svc.Get(sender, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != easymail.StatusCancelled {
		t.Fatalf("expected CANCELLED after reject, got %s", got.Status)
	}

	// decisions are final
	err = svc.Approve(approver, aa[0].ID, "")
	if !errors.Is(err, easymail.ErrValidation) {
		t.Fatalf("expected ErrValidation on decided approval, got %v", err)
	}
}

func TestCreatorMayNotApprove(t *testing.T) {
	svc, _ := setup(t)

	creator := easymail.Actor{Email: "both@example.com", Roles: []string{"SENDER", "APPROVER"}}
	c, err := svc.Create(creator, easymail.Campaign{
		Title: "Self serve", Category: easymail.CategoryGeneral,
		SenderIdentityID: "ident-1", SmtpAccountID: "smtp-1",
		Subject: "s", TextBody: "b",
	})
	if err != nil {
		t.Fatal(err)
	}
	submit(t, svc, creator, c.ID)

	aa, err := svc.Approvals(creator, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	err = svc.Approve(creator, aa[0].ID, "")
	if !errors.Is(err, easymail.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for self approval, got %v", err)
	}
}

func TestEmergencyBypass(t *testing.T) {
	svc, db := setup(t)
	c := draft(t, svc, easymail.CategoryEmergency)

	// non super admins cannot bypass
	_, err := svc.Submit(sender, c.ID, SubmitRequest{AudienceIDs: []string{"aud-1"}, EmergencyReason: "fire drill"})
	if !errors.Is(err, easymail.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	// a reason is mandatory
	_, err = svc.Submit(root, c.ID, SubmitRequest{AudienceIDs: []string{"aud-1"}})
	if !errors.Is(err, easymail.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	got, err := svc.Submit(root, c.ID, SubmitRequest{AudienceIDs: []string{"aud-1"}, EmergencyReason: "building closure"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != easymail.StatusScheduled {
		t.Fatalf("expected SCHEDULED, got %s", got.Status)
	}
	if got.EmergencyReason != "building closure" {
		t.Fatalf("expected reason on campaign, got %q", got.EmergencyReason)
	}

	rows, err := db.ListAudit(10, "campaign", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, r := range rows {
		if r.Action == "EMERGENCY_BYPASS" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected EMERGENCY_BYPASS in the audit log")
	}
}

func TestDeleteOnlyDrafts(t *testing.T) {
	svc, _ := setup(t)
	c := draft(t, svc, easymail.CategoryGeneral)
	submit(t, svc, sender, c.ID)

	err := svc.Delete(sender, c.ID)
	if !errors.Is(err, easymail.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	d := draft(t, svc, easymail.CategoryGeneral)
	err = svc.Delete(sender, d.ID)
	if err != nil {
		t.Fatal(err)
	}
}

func TestCancelAndRequeue(t *testing.T) {
	svc, db := setup(t)
	c := draft(t, svc, easymail.CategoryGeneral)

	err := svc.Cancel(sender, c.ID)
	if !errors.Is(err, easymail.ErrValidation) {
		t.Fatalf("drafts cannot be cancelled, got %v", err)
	}
	err = svc.Requeue(sender, c.ID)
	if !errors.Is(err, easymail.ErrValidation) {
		t.Fatalf("only completed campaigns requeue, got %v", err)
	}

	submit(t, svc, sender, c.ID)
	err = svc.Cancel(sender, c.ID)
	if err != nil {
		t.Fatal(err)
	}

	// simulate a completed run
	d := draft(t, svc, easymail.CategoryGeneral)
	submit(t, svc, sender, d.ID)
	_, err = db.TransitionCampaign("test", "CAMPAIGN_SCHEDULE", d.ID,
		[]string{"PENDING_APPROVAL"}, "COMPLETED", nil)
	if err != nil {
		t.Fatal(err)
	}
	err = svc.Requeue(sender, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := svc.Get(sender, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != easymail.StatusScheduled {
		t.Fatalf("expected SCHEDULED after requeue, got %s", got.Status)
	}
}

func TestReschedule(t *testing.T) {
	svc, db := setup(t)
	c := draft(t, svc, easymail.CategoryGeneral)

	err := svc.Schedule(sender, c.ID, nil)
	if !errors.Is(err, easymail.ErrValidation) {
		t.Fatalf("only scheduled campaigns reschedule, got %v", err)
	}

	submit(t, svc, sender, c.ID)
	_, err = db.TransitionCampaign("test", "CAMPAIGN_SCHEDULE", c.ID,
		[]string{"PENDING_APPROVAL"}, "SCHEDULED", nil)
	if err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-time.Hour)
	err = svc.Schedule(sender, c.ID, &past)
	if !errors.Is(err, easymail.ErrValidation) {
		t.Fatalf("expected ErrValidation for past time, got %v", err)
	}

	at := time.Now().Add(time.Hour).In(time.UTC)
	err = svc.Schedule(sender, c.ID, &at)
	if err != nil {
		t.Fatal(err)
	}
	got, err := svc.Get(sender, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ScheduledAt == nil || !got.ScheduledAt.Equal(at) {
		t.Fatalf("expected scheduled_at %v, got %v", at, got.ScheduledAt)
	}
}

func TestDuplicate(t *testing.T) {
	svc, _ := setup(t)
	c := draft(t, svc, easymail.CategoryOrgWide)
	submit(t, svc, sender, c.ID)

	cp, err := svc.Duplicate(hrAdmin, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cp.ID == c.ID {
		t.Fatal("expected a new id")
	}
	if cp.Status != easymail.StatusDraft {
		t.Fatalf("expected DRAFT copy, got %s", cp.Status)
	}
	if cp.CreatedBy != hrAdmin.Email {
		t.Fatalf("expected copy owned by duplicator, got %s", cp.CreatedBy)
	}
	if len(cp.AudienceIDs) != 1 || cp.AudienceIDs[0] != "aud-1" {
		t.Fatalf("expected audience links carried over, got %v", cp.AudienceIDs)
	}
}
