package dao

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/audit"
)

func setup(t *testing.T) (DAO, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "dao_test")
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewSQLite(filepath.Join(dir, "test.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	return d, dir
}

func teardown(dir string) {
	if strings.HasPrefix(dir, os.TempDir()) {
		_ = os.RemoveAll(dir)
	}
}

func testCampaign(id string) Campaign {
	now := time.Now().In(time.UTC).Truncate(time.Second)
	return Campaign{
		ID:               id,
		Title:            "All hands",
		Category:         string(easymail.CategoryGeneral),
		Status:           string(easymail.StatusDraft),
		SenderIdentityID: "ident-1",
		SmtpAccountID:    "smtp-1",
		Subject:          "Town hall on Friday",
		HTMLBody:         "<p>See you there</p>",
		TextBody:         "See you there",
		AttachmentsJSON:  "[]",
		CreatedBy:        "hr@example.com",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestCampaignCRUD(t *testing.T) {
	d, dir := setup(t)
	defer teardown(dir)

	err := d.CreateCampaign("hr@example.com", testCampaign("c1"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := d.GetCampaign("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "All hands" || got.Status != "DRAFT" {
		t.Fatalf("unexpected campaign %+v", got)
	}

	got.Title = "All hands (moved)"
	err = d.UpdateCampaign("hr@example.com", *got)
	if err != nil {
		t.Fatal(err)
	}

	cc, err := d.ListCampaigns("DRAFT")
	if err != nil {
		t.Fatal(err)
	}
	if len(cc) != 1 || cc[0].Title != "All hands (moved)" {
		t.Fatalf("unexpected list %+v", cc)
	}

	err = d.DeleteCampaign("hr@example.com", "c1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.GetCampaign("c1")
	if !errors.Is(err, easymail.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// create, update and delete should all leave audit rows
	rows, err := d.ListAudit(10, "campaign", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(rows))
	}
	if rows[0].Action != audit.ActionCampaignDelete {
		t.Fatalf("expected delete first in the log, got %s", rows[0].Action)
	}
}

func TestTransitionCampaign(t *testing.T) {
	d, dir := setup(t)
	defer teardown(dir)

	err := d.CreateCampaign("hr@example.com", testCampaign("c1"))
	if err != nil {
		t.Fatal(err)
	}

	moved, err := d.TransitionCampaign("hr@example.com", audit.ActionCampaignSubmit, "c1",
		[]string{"DRAFT"}, "PENDING_APPROVAL", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !moved {
		t.Fatal("expected transition from DRAFT")
	}

	// second submit must be a no-op, the campaign already left DRAFT
	moved, err = d.TransitionCampaign("hr@example.com", audit.ActionCampaignSubmit, "c1",
		[]string{"DRAFT"}, "PENDING_APPROVAL", nil)
	if err != nil {
		t.Fatal(err)
	}
	if moved {
		t.Fatal("expected CAS miss")
	}

	at := time.Now().In(time.UTC).Add(-time.Minute)
	moved, err = d.TransitionCampaign("hr@example.com", audit.ActionCampaignSchedule, "c1",
		[]string{"PENDING_APPROVAL"}, "SCHEDULED", &at)
	if err != nil || !moved {
		t.Fatalf("schedule failed, moved=%v err=%v", moved, err)
	}

	due, err := d.DueCampaigns(time.Now().In(time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "c1" {
		t.Fatalf("expected c1 due, got %+v", due)
	}
}

func TestSubmitCampaignAtomic(t *testing.T) {
	d, dir := setup(t)
	defer teardown(dir)

	err := d.CreateCampaign("hr@example.com", testCampaign("c1"))
	if err != nil {
		t.Fatal(err)
	}

	approvals := []Approval{
		{ID: "ap1", CampaignID: "c1", RequiredRole: "HR_ADMIN", Status: "PENDING"},
		{ID: "ap2", CampaignID: "c1", RequiredRole: "APPROVER", Status: "PENDING"},
	}
	moved, err := d.SubmitCampaign("hr@example.com", audit.ActionCampaignSubmit, "c1",
		"PENDING_APPROVAL", nil, "", []string{"a1", "a2"}, approvals)
	if err != nil {
		t.Fatal(err)
	}
	if !moved {
		t.Fatal("expected submit from DRAFT")
	}

	links, err := d.AudienceLinks("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links, got %+v", links)
	}
	aa, err := d.ListApprovals("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(aa) != 2 {
		t.Fatalf("expected 2 approvals, got %+v", aa)
	}

	// a submit that loses the status race must leave links and approvals alone
	moved, err = d.SubmitCampaign("hr@example.com", audit.ActionCampaignSubmit, "c1",
		"PENDING_APPROVAL", nil, "", []string{"a3"}, approvals)
	if err != nil {
		t.Fatal(err)
	}
	if moved {
		t.Fatal("expected CAS miss, campaign already left DRAFT")
	}
	links, err = d.AudienceLinks("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 2 || links[0] == "a3" {
		t.Fatalf("links changed on a lost race, got %+v", links)
	}
	aa, err = d.ListApprovals("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(aa) != 2 {
		t.Fatalf("approvals changed on a lost race, got %+v", aa)
	}
}

func TestAudienceSaveAndLinks(t *testing.T) {
	d, dir := setup(t)
	defer teardown(dir)

	a := Audience{ID: "a1", Name: "Stockholm office", CreatedBy: "hr@example.com", CreatedAt: time.Now().In(time.UTC)}
	rules := []AudienceRule{
		{RuleType: "LOCATION", RuleValue: "3"},
		{RuleType: "STATUS", RuleValue: "ACTIVE"},
	}
	err := d.SaveAudience("hr@example.com", a, rules, false)
	if err != nil {
		t.Fatal(err)
	}

	_, got, err := d.GetAudience("a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].RuleType != "LOCATION" || got[1].Position != 1 {
		t.Fatalf("unexpected rules %+v", got)
	}

	rules = rules[:1]
	err = d.SaveAudience("hr@example.com", a, rules, true)
	if err != nil {
		t.Fatal(err)
	}
	_, got, err = d.GetAudience("a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected rule replacement, got %+v", got)
	}

	err = d.CreateCampaign("hr@example.com", testCampaign("c1"))
	if err != nil {
		t.Fatal(err)
	}
	err = d.SetAudienceLinks("c1", []string{"a1"})
	if err != nil {
		t.Fatal(err)
	}
	n, err := d.ActiveCampaignLinks("a1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 active link, got %d", n)
	}

	_, err = d.TransitionCampaign("hr@example.com", audit.ActionCampaignCancel, "c1",
		[]string{"DRAFT"}, "CANCELLED", nil)
	if err != nil {
		t.Fatal(err)
	}
	n, err = d.ActiveCampaignLinks("a1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("cancelled campaign should not count, got %d", n)
	}
}

func TestResolveApprovalOnce(t *testing.T) {
	d, dir := setup(t)
	defer teardown(dir)

	err := d.CreateApprovals([]Approval{
		{ID: "ap1", CampaignID: "c1", RequiredRole: "HR_ADMIN", Status: "PENDING"},
		{ID: "ap2", CampaignID: "c1", RequiredRole: "APPROVER", Status: "PENDING"},
	})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := d.ResolveApproval("boss@example.com", "ap1", "APPROVED", "lgtm")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected first decision to land")
	}
	ok, err = d.ResolveApproval("other@example.com", "ap1", "REJECTED", "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected second decision to be refused")
	}

	got, err := d.GetApproval("ap1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "APPROVED" || got.ApproverEmail != "boss@example.com" {
		t.Fatalf("unexpected approval %+v", got)
	}
}

func TestRecipientGenerations(t *testing.T) {
	d, dir := setup(t)
	defer teardown(dir)

	gen, err := d.LatestGeneration("c1")
	if err != nil {
		t.Fatal(err)
	}
	if gen != 0 {
		t.Fatalf("expected 0 before expansion, got %d", gen)
	}

	var rows []Recipient
	for i := 0; i < 3; i++ {
		rows = append(rows, Recipient{
			CampaignID: "c1",
			Generation: 1,
			Email:      fmt.Sprintf("emp%d@example.com", i),
			Status:     "PENDING",
		})
	}
	rows[2].Status = "SUPPRESSED"
	err = d.InsertRecipients(rows)
	if err != nil {
		t.Fatal(err)
	}

	pending, err := d.PendingRecipients("c1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}

	err = d.UpdateRecipientAttempt(pending[0].ID, "SENT", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	err = d.UpdateRecipientAttempt(pending[1].ID, "FAILED", 3, "i/o timeout")
	if err != nil {
		t.Fatal(err)
	}

	counts, err := d.RecipientCounts("c1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if counts["SENT"] != 1 || counts["FAILED"] != 1 || counts["SUPPRESSED"] != 1 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	err = d.InsertRecipients([]Recipient{{CampaignID: "c1", Generation: 2, Email: "emp0@example.com", Status: "PENDING"}})
	if err != nil {
		t.Fatal(err)
	}
	gen, err = d.LatestGeneration("c1")
	if err != nil {
		t.Fatal(err)
	}
	if gen != 2 {
		t.Fatalf("expected generation 2, got %d", gen)
	}
}

func TestSuppressionSet(t *testing.T) {
	d, dir := setup(t)
	defer teardown(dir)

	err := d.AddSuppression("admin@example.com", SuppressionEntry{Email: "gone@example.com", Reason: "left company", Source: "MANUAL"})
	if err != nil {
		t.Fatal(err)
	}
	// re-adding updates the reason instead of failing
	err = d.AddSuppression("admin@example.com", SuppressionEntry{Email: "gone@example.com", Reason: "hard bounce", Source: "BOUNCE"})
	if err != nil {
		t.Fatal(err)
	}

	set, err := d.SuppressedSet()
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 1 || set["gone@example.com"].Reason != "hard bounce" {
		t.Fatalf("unexpected set %+v", set)
	}

	err = d.DeleteSuppression("admin@example.com", "gone@example.com")
	if err != nil {
		t.Fatal(err)
	}
	err = d.DeleteSuppression("admin@example.com", "gone@example.com")
	if !errors.Is(err, easymail.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPolicyVersioning(t *testing.T) {
	d, dir := setup(t)
	defer teardown(dir)

	p, err := d.GetPolicy()
	if err != nil {
		t.Fatal(err)
	}
	if p.Version != 1 || p.OrgWideRule != "HR_ADMIN+APPROVER" {
		t.Fatalf("unexpected defaults %+v", p)
	}

	p.MaxTestRecipients = 10
	err = d.UpdatePolicy("admin@example.com", *p)
	if err != nil {
		t.Fatal(err)
	}

	// the stale copy still carries version 1
	err = d.UpdatePolicy("admin@example.com", *p)
	if !errors.Is(err, easymail.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	p, err = d.GetPolicy()
	if err != nil {
		t.Fatal(err)
	}
	if p.Version != 2 || p.MaxTestRecipients != 10 {
		t.Fatalf("unexpected policy %+v", p)
	}
}
