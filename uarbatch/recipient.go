package uarbatch

import (
	"context"
	"time"

	"github.com/mmdatafocus/uar_backend/models"
)

// resolveRecipient looks up the approver's contact. PIC item codes address a
// division PIC; everything else addresses an employee by noreg, newest record
// first. A nil recipient means nothing usable was found.
func resolveRecipient(ctx context.Context, dir Directory, itemCode, approverId string, asOf time.Time) (*models.Recipient, error) {
	var rcpt models.Recipient
	if models.IsPicItemCode(itemCode) {
		pic, err := dir.FindPic(ctx, approverId)
		if err != nil {
			return nil, err
		}
		if pic == nil {
			return nil, nil
		}
		rcpt = models.Recipient{Email: deref(pic.Mail), TeamsId: deref(pic.TeamsId)}
	} else {
		employees, err := dir.FindEmployeesByNoreg(ctx, []string{approverId}, asOf)
		if err != nil {
			return nil, err
		}
		e, ok := models.LatestValidByNoreg(employees)[approverId]
		if !ok {
			return nil, nil
		}
		rcpt = models.Recipient{Email: e.Email, TeamsId: e.TeamsId}
	}
	if rcpt.Email == "" && rcpt.TeamsId == "" {
		return nil, nil
	}
	return &rcpt, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
