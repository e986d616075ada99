package uarbatch

import "time"

// uarIdMaxLen mirrors the fixed width of the downstream uar_id column.
const uarIdMaxLen = 20

// UarPeriod is the review period of now, YYYYMM.
func UarPeriod(now time.Time) string {
	return now.Format("200601")
}

// BuildUarId returns "UAR_" + YYMM + "_" + applicationId cut to 20 characters.
// It is stable for a given period and application.
func BuildUarId(period, applicationId string) string {
	yymm := period
	if len(period) == 6 {
		yymm = period[2:]
	}
	id := []rune("UAR_" + yymm + "_" + applicationId)
	if len(id) > uarIdMaxLen {
		id = id[:uarIdMaxLen]
	}
	return string(id)
}
