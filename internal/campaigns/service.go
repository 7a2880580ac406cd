// Package campaigns owns the campaign lifecycle up to the point where the
// dispatcher takes over: drafting, validation, the approval workflow and the
// transitions between statuses.
package campaigns

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
	"github.com/ratons127/easy-mail-campaining/internal/policy"
	"github.com/ratons127/easy-mail-campaining/tools"
)

type Config struct {
	AttachmentsDir string
}

type Service struct {
	db     dao.DAO
	policy *policy.Engine
	cfg    Config
	log    *logrus.Logger
}

func New(cfg Config, db dao.DAO, policy *policy.Engine) *Service {
	logger := logrus.New()
	logger.AddHook(tools.LoggerWho{Name: "campaigns"})

	return &Service{
		db:     db,
		policy: policy,
		cfg:    cfg,
		log:    logger,
	}
}

var editorRoles = []easymail.Role{
	easymail.RoleSuperAdmin, easymail.RoleHRAdmin, easymail.RoleDeptAdmin, easymail.RoleSender,
}

func (s *Service) Create(actor easymail.Actor, c easymail.Campaign) (*easymail.Campaign, error) {
	if !actor.Has(editorRoles...) {
		return nil, easymail.Unauthorizedf("role may not create campaigns")
	}
	err := s.validateDraft(c)
	if err != nil {
		return nil, err
	}

	now := time.Now().In(time.UTC)
	row := toRow(c)
	row.ID = xid.New().String()
	row.Status = string(easymail.StatusDraft)
	row.CreatedBy = actor.Email
	row.CreatedAt = now
	row.UpdatedAt = now
	row.AttachmentsJSON = "[]"
	row.EmergencyReason = ""

	err = s.db.CreateCampaign(actor.Email, row)
	if err != nil {
		return nil, err
	}
	s.log.WithField("campaign", row.ID).Info("created campaign")
	return s.Get(actor, row.ID)
}

func (s *Service) Update(actor easymail.Actor, c easymail.Campaign) (*easymail.Campaign, error) {
	if !actor.Has(editorRoles...) {
		return nil, easymail.Unauthorizedf("role may not edit campaigns")
	}
	current, err := s.db.GetCampaign(c.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != string(easymail.StatusDraft) {
		return nil, easymail.Validationf("only DRAFT campaigns can be edited, campaign is %s", current.Status)
	}
	err = s.validateDraft(c)
	if err != nil {
		return nil, err
	}

	row := toRow(c)
	row.AttachmentsJSON = current.AttachmentsJSON
	row.Status = current.Status
	row.CreatedBy = current.CreatedBy
	row.CreatedAt = current.CreatedAt
	row.UpdatedAt = time.Now().In(time.UTC)

	err = s.db.UpdateCampaign(actor.Email, row)
	if err != nil {
		return nil, err
	}
	return s.Get(actor, c.ID)
}

func (s *Service) Get(_ easymail.Actor, id string) (*easymail.Campaign, error) {
	row, err := s.db.GetCampaign(id)
	if err != nil {
		return nil, err
	}
	c := row.Wire()
	c.AudienceIDs, err = s.db.AudienceLinks(id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) List(_ easymail.Actor, status string) ([]easymail.Campaign, error) {
	rows, err := s.db.ListCampaigns(status)
	if err != nil {
		return nil, err
	}
	out := make([]easymail.Campaign, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Wire())
	}
	return out, nil
}

// Delete removes a campaign. Anything past DRAFT is part of the audit record
// and can only be cancelled, never deleted.
func (s *Service) Delete(actor easymail.Actor, id string) error {
	if !actor.Has(editorRoles...) {
		return easymail.Unauthorizedf("role may not delete campaigns")
	}
	current, err := s.db.GetCampaign(id)
	if err != nil {
		return err
	}
	if current.Status != string(easymail.StatusDraft) {
		return easymail.Validationf("only DRAFT campaigns can be deleted, campaign is %s", current.Status)
	}
	return s.db.DeleteCampaign(actor.Email, id)
}

// Duplicate copies a campaign of any status into a fresh DRAFT. Attachments
// are shared on disk, recipients and approvals are not carried over.
func (s *Service) Duplicate(actor easymail.Actor, id string) (*easymail.Campaign, error) {
	if !actor.Has(editorRoles...) {
		return nil, easymail.Unauthorizedf("role may not create campaigns")
	}
	src, err := s.db.GetCampaign(id)
	if err != nil {
		return nil, err
	}
	links, err := s.db.AudienceLinks(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().In(time.UTC)
	cp := *src
	cp.ID = xid.New().String()
	cp.Title = src.Title + " (copy)"
	cp.Status = string(easymail.StatusDraft)
	cp.ScheduledAt.Valid = false
	cp.EmergencyReason = ""
	cp.CreatedBy = actor.Email
	cp.CreatedAt = now
	cp.UpdatedAt = now

	err = s.db.CreateCampaign(actor.Email, cp)
	if err != nil {
		return nil, err
	}
	err = s.db.SetAudienceLinks(cp.ID, links)
	if err != nil {
		return nil, err
	}
	s.log.WithField("campaign", cp.ID).WithField("source", id).Info("duplicated campaign")
	return s.Get(actor, cp.ID)
}

// AddAttachment stores the uploaded content under a generated name and
// records it on the draft.
func (s *Service) AddAttachment(actor easymail.Actor, campaignID, name, contentType string, content io.Reader) (*easymail.Attachment, error) {
	if !actor.Has(editorRoles...) {
		return nil, easymail.Unauthorizedf("role may not edit campaigns")
	}
	current, err := s.db.GetCampaign(campaignID)
	if err != nil {
		return nil, err
	}
	if current.Status != string(easymail.StatusDraft) {
		return nil, easymail.Validationf("attachments can only be added to DRAFT campaigns")
	}

	err = os.MkdirAll(s.cfg.AttachmentsDir, 0o755)
	if err != nil {
		return nil, err
	}
	stored := uuid.NewString() + filepath.Ext(name)
	f, err := os.Create(filepath.Join(s.cfg.AttachmentsDir, stored))
	if err != nil {
		return nil, err
	}
	size, err := io.Copy(f, content)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(filepath.Join(s.cfg.AttachmentsDir, stored))
		return nil, fmt.Errorf("failed to store attachment, %w", err)
	}

	att := easymail.Attachment{
		ID:          uuid.NewString(),
		Name:        name,
		StoredName:  stored,
		Size:        size,
		ContentType: contentType,
		UploadedAt:  time.Now().In(time.UTC),
	}

	wire := current.Wire()
	wire.Attachments = append(wire.Attachments, att)
	row := toRow(wire)
	row.CreatedBy = current.CreatedBy
	row.CreatedAt = current.CreatedAt
	row.UpdatedAt = time.Now().In(time.UTC)
	err = s.db.UpdateCampaign(actor.Email, row)
	if err != nil {
		return nil, err
	}
	return &att, nil
}

// AttachmentPath resolves a stored attachment to its on-disk location.
func (s *Service) AttachmentPath(att easymail.Attachment) string {
	return filepath.Join(s.cfg.AttachmentsDir, att.StoredName)
}

func (s *Service) validateDraft(c easymail.Campaign) error {
	if c.Title == "" {
		return easymail.Validationf("title is required")
	}
	valid := false
	for _, cat := range easymail.Categories {
		if c.Category == cat {
			valid = true
			break
		}
	}
	if !valid {
		return easymail.Validationf("unknown category %q", c.Category)
	}
	if c.SmtpAccountID != "" {
		_, err := s.db.GetSmtpAccount(c.SmtpAccountID)
		if err != nil {
			return easymail.Validationf("smtp account %s does not exist", c.SmtpAccountID)
		}
	}
	if c.SenderIdentityID != "" {
		_, err := s.db.GetSenderIdentity(c.SenderIdentityID)
		if err != nil {
			return easymail.Validationf("sender identity %s does not exist", c.SenderIdentityID)
		}
	}
	reserved, err := s.policy.ReservedForNotifications(c.SmtpAccountID, c.SenderIdentityID)
	if err != nil {
		return err
	}
	if reserved {
		return easymail.Validationf("smtp account or identity is reserved for system notifications")
	}
	return nil
}

func toRow(c easymail.Campaign) dao.Campaign {
	row := dao.Campaign{
		ID:               c.ID,
		Title:            c.Title,
		Category:         string(c.Category),
		Status:           string(c.Status),
		SenderIdentityID: c.SenderIdentityID,
		SmtpAccountID:    c.SmtpAccountID,
		Subject:          c.Subject,
		HTMLBody:         c.HTMLBody,
		TextBody:         c.TextBody,
		AttachmentsJSON:  marshalAttachments(c.Attachments),
		EmergencyReason:  c.EmergencyReason,
		CreatedBy:        c.CreatedBy,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
	if c.ScheduledAt != nil {
		row.ScheduledAt.Valid = true
		row.ScheduledAt.Time = *c.ScheduledAt
	}
	return row
}

func marshalAttachments(aa []easymail.Attachment) string {
	if len(aa) == 0 {
		return "[]"
	}
	b, err := json.Marshal(aa)
	if err != nil {
		return "[]"
	}
	return string(b)
}
