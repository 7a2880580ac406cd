// Package policy owns the approval matrix and the operational limits read
// from the singleton settings record.
package policy

import (
	"fmt"
	"strings"

	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
)

type Engine struct {
	db dao.DAO
}

func New(db dao.DAO) *Engine {
	return &Engine{db: db}
}

func (e *Engine) Settings() (easymail.PolicySettings, error) {
	p, err := e.db.GetPolicy()
	if err != nil {
		return easymail.PolicySettings{}, err
	}
	return p.Wire(), nil
}

// Update validates and writes new settings. Only SUPER_ADMIN may change
// policy, and a referenced notification account or identity must exist.
func (e *Engine) Update(actor easymail.Actor, p easymail.PolicySettings) error {
	if !actor.Has(easymail.RoleSuperAdmin) {
		return easymail.Unauthorizedf("only SUPER_ADMIN may change policy settings")
	}
	if _, err := parseRule(p.OrgWideRule); err != nil {
		return err
	}
	if _, err := parseRule(p.DepartmentRule); err != nil {
		return err
	}
	if p.MaxTestRecipients < 1 {
		return easymail.Validationf("max_test_recipients must be at least 1")
	}
	if p.DefaultThrottlePerMinute < 1 {
		return easymail.Validationf("default_throttle_per_minute must be at least 1")
	}
	if p.SendWindowHours < 0 {
		return easymail.Validationf("send_window_hours must not be negative")
	}
	if p.NotificationSmtpAccountID != "" {
		if _, err := e.db.GetSmtpAccount(p.NotificationSmtpAccountID); err != nil {
			return easymail.Validationf("notification smtp account %s does not exist", p.NotificationSmtpAccountID)
		}
	}
	if p.NotificationSenderIdentity != "" {
		if _, err := e.db.GetSenderIdentity(p.NotificationSenderIdentity); err != nil {
			return easymail.Validationf("notification sender identity %s does not exist", p.NotificationSenderIdentity)
		}
	}

	return e.db.UpdatePolicy(actor.Email, dao.PolicySettings{
		ID:                         1,
		Version:                    p.Version,
		OrgWideRule:                p.OrgWideRule,
		DepartmentRule:             p.DepartmentRule,
		MaxTestRecipients:          p.MaxTestRecipients,
		DefaultThrottlePerMinute:   p.DefaultThrottlePerMinute,
		SendWindowHours:            p.SendWindowHours,
		NotificationSmtpAccountID:  p.NotificationSmtpAccountID,
		NotificationSenderIdentity: p.NotificationSenderIdentity,
	})
}

// RequiredRoles returns the approver roles a campaign of the given category
// needs, one approval row per role. EMERGENCY needs none, its gate is the
// bypass rule at submit time.
func (e *Engine) RequiredRoles(category easymail.Category) ([]easymail.Role, error) {
	p, err := e.db.GetPolicy()
	if err != nil {
		return nil, err
	}
	switch category {
	case easymail.CategoryOrgWide:
		return parseRule(p.OrgWideRule)
	case easymail.CategoryDepartmental:
		return parseRule(p.DepartmentRule)
	case easymail.CategoryGeneral:
		return []easymail.Role{easymail.RoleApprover}, nil
	case easymail.CategoryEmergency:
		return nil, nil
	}
	return nil, easymail.Validationf("unknown category %q", category)
}

// ReservedForNotifications reports whether the account or identity is the one
// policy reserves for system notifications, which campaigns may not use.
func (e *Engine) ReservedForNotifications(smtpAccountID, senderIdentityID string) (bool, error) {
	p, err := e.db.GetPolicy()
	if err != nil {
		return false, err
	}
	if smtpAccountID != "" && smtpAccountID == p.NotificationSmtpAccountID {
		return true, nil
	}
	if senderIdentityID != "" && senderIdentityID == p.NotificationSenderIdentity {
		return true, nil
	}
	return false, nil
}

// parseRule reads an approval rule like "HR_ADMIN+APPROVER", a plus separated
// list of roles that must each sign off.
func parseRule(rule string) ([]easymail.Role, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return nil, easymail.Validationf("approval rule must not be empty")
	}
	var roles []easymail.Role
	for _, part := range strings.Split(rule, "+") {
		role := easymail.Role(strings.ToUpper(strings.TrimSpace(part)))
		switch role {
		case easymail.RoleSuperAdmin, easymail.RoleHRAdmin, easymail.RoleDeptAdmin,
			easymail.RoleApprover, easymail.RoleSender, easymail.RoleAuditor:
			roles = append(roles, role)
		default:
			return nil, fmt.Errorf("%w: unknown role %q in approval rule", easymail.ErrValidation, part)
		}
	}
	return roles, nil
}
