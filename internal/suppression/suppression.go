// Package suppression splits an expanded recipient list against the global
// do-not-send list.
package suppression

import (
	easymail "github.com/ratons127/easy-mail-campaining"
	"github.com/ratons127/easy-mail-campaining/internal/dao"
)

type Filter struct {
	db dao.DAO
}

func New(db dao.DAO) *Filter {
	return &Filter{db: db}
}

// Split partitions employees into deliverable and suppressed. Matching is on
// the normalized email address.
func (f *Filter) Split(employees []easymail.Employee) (deliverable, suppressed []easymail.Employee, err error) {
	set, err := f.db.SuppressedSet()
	if err != nil {
		return nil, nil, err
	}
	for _, e := range employees {
		if _, hit := set[easymail.NormalizeEmail(e.Email)]; hit {
			suppressed = append(suppressed, e)
			continue
		}
		deliverable = append(deliverable, e)
	}
	return deliverable, suppressed, nil
}

// Hit reports whether a single address is on the suppression list.
func (f *Filter) Hit(email string) (bool, error) {
	set, err := f.db.SuppressedSet()
	if err != nil {
		return false, err
	}
	_, hit := set[easymail.NormalizeEmail(email)]
	return hit, nil
}
