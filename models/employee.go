package models

import "time"

// Employee is one validity window of a personnel record; a noreg can have
// several, the newest ValidTo wins.
type Employee struct {
	ID           uint       `gorm:"primary_key" json:"id"`
	Noreg        string     `gorm:"size:20;not null;index" json:"noreg"`
	Name         string     `gorm:"size:255" json:"name"`
	PositionName *string    `gorm:"size:255" json:"position_name"`
	DivisionId   *string    `gorm:"size:20" json:"division_id"`
	DepartmentId *string    `gorm:"size:20" json:"department_id"`
	Email        string     `gorm:"size:255" json:"email"`
	TeamsId      string     `gorm:"size:255" json:"teams_id"`
	ValidFrom    time.Time  `json:"valid_from"`
	ValidTo      *time.Time `gorm:"index" json:"valid_to"`
}

// LatestValidByNoreg keeps one record per noreg: the one with the latest
// ValidTo, where a nil ValidTo (open ended) beats any date.
func LatestValidByNoreg(rows []Employee) map[string]Employee {
	out := make(map[string]Employee, len(rows))
	for _, row := range rows {
		cur, ok := out[row.Noreg]
		if !ok || validToAfter(row.ValidTo, cur.ValidTo) {
			out[row.Noreg] = row
		}
	}
	return out
}

func validToAfter(a, b *time.Time) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.After(*b)
}
