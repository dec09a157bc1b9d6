package services

import (
	"regexp"
	"strings"
	"time"

	"github.com/tbourn/go-loyalty-backend/internal/phone"
)

// ColumnRole is what an import column holds.
type ColumnRole string

const (
	RoleIgnore    ColumnRole = ""
	RolePhone     ColumnRole = "phone"
	RoleName      ColumnRole = "name"
	RoleFirstName ColumnRole = "first_name"
	RoleLastName  ColumnRole = "last_name"
	RoleEmail     ColumnRole = "email"
	RoleDate      ColumnRole = "date"
	RoleNotes     ColumnRole = "notes"
	RoleStatus    ColumnRole = "status"
)

// ColumnPlan tells the importer how to read the rows of one file.
type ColumnPlan struct {
	// HasHeader means rows[0] holds labels and Roles is indexed by column.
	HasHeader bool
	// SkipFirst drops rows[0] without using it: numeric index labels, or a
	// label row with no recognizable keyword.
	SkipFirst bool
	// Roles maps column index to role. Nil for headerless files, where every
	// row is classified positionally.
	Roles []ColumnRole
}

// DataStart is the index of the first data row.
func (p ColumnPlan) DataStart() int {
	if p.HasHeader || p.SkipFirst {
		return 1
	}
	return 0
}

// ColumnClassifier decides how an import file's columns are read.
type ColumnClassifier interface {
	Classify(rows [][]string) ColumnPlan
}

// HeuristicClassifier recognizes common spreadsheet header labels and falls
// back to per-row value sniffing for headerless files.
type HeuristicClassifier struct{}

var headerRoles = map[string]ColumnRole{
	"phone": RolePhone, "phonenumber": RolePhone, "phoneno": RolePhone, "mobile": RolePhone,
	"mobilenumber": RolePhone, "mobilephone": RolePhone, "cell": RolePhone, "cellphone": RolePhone,
	"telephone": RolePhone, "tel": RolePhone, "number": RolePhone, "contactnumber": RolePhone,

	"name": RoleName, "fullname": RoleName, "customer": RoleName, "customername": RoleName,
	"firstname": RoleFirstName, "first": RoleFirstName, "givenname": RoleFirstName,
	"lastname": RoleLastName, "last": RoleLastName, "surname": RoleLastName, "familyname": RoleLastName,

	"email": RoleEmail, "emailaddress": RoleEmail, "mail": RoleEmail,

	"date": RoleDate, "lastvisit": RoleDate, "lastvisitdate": RoleDate, "lastcheckin": RoleDate,
	"lastcheckindate": RoleDate, "checkindate": RoleDate, "visitdate": RoleDate, "lastseen": RoleDate,
	"signup": RoleDate, "signupdate": RoleDate, "joined": RoleDate, "createdat": RoleDate,

	"notes": RoleNotes, "note": RoleNotes, "comment": RoleNotes, "comments": RoleNotes,

	"status": RoleStatus, "subscription": RoleStatus, "subscriptionstatus": RoleStatus,
}

// headerOnly are labels that mark a header row without mapping to a role.
var headerOnly = map[string]struct{}{
	"checkins": {}, "visits": {}, "visitcount": {}, "points": {}, "id": {},
}

var (
	labelJunk  = regexp.MustCompile(`[^a-z0-9]`)
	allDigits  = regexp.MustCompile(`^\d+$`)
	bareNumber = regexp.MustCompile(`^\+?\d+$`)
)

func labelKey(s string) string {
	return labelJunk.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "")
}

func isHeaderLabel(s string) bool {
	k := labelKey(s)
	if _, ok := headerRoles[k]; ok {
		return true
	}
	_, ok := headerOnly[k]
	return ok
}

// Classify inspects the first row. A row of bare numbers is index labels
// unless its first value is phone-shaped. A row without any known header
// keyword is data when it holds a phone candidate, and an unrecognized label
// row otherwise.
func (HeuristicClassifier) Classify(rows [][]string) ColumnPlan {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return ColumnPlan{}
	}
	first := rows[0]

	numeric := true
	keyword := false
	candidate := false
	for i, cell := range first {
		v := strings.TrimSpace(cell)
		if !allDigits.MatchString(v) {
			numeric = false
		}
		if isHeaderLabel(v) {
			keyword = true
		}
		if phone.LooksLikePhone(v) || leadingNumber(i, v) {
			candidate = true
		}
	}
	if numeric {
		// Short integers are index labels; anything longer is data.
		lead := strings.TrimSpace(first[0])
		return ColumnPlan{SkipFirst: !phone.LooksLikePhone(lead)}
	}
	if !keyword {
		return ColumnPlan{SkipFirst: !candidate}
	}

	roles := make([]ColumnRole, len(first))
	taken := make(map[ColumnRole]bool)
	for i, cell := range first {
		r := headerRoles[labelKey(cell)]
		if r == RoleIgnore || taken[r] {
			continue
		}
		roles[i] = r
		taken[r] = true
	}
	return ColumnPlan{HasHeader: true, Roles: roles}
}

// importRow is the raw content extracted from one data row.
type importRow struct {
	Line   int
	Phone  string
	Name   string
	Email  string
	Notes  string
	Status string
	Date   *time.Time
}

// extract reads one data row according to plan.
func (p ColumnPlan) extract(line int, cells []string) importRow {
	if p.Roles == nil {
		return extractPositional(line, cells)
	}
	row := importRow{Line: line}
	var first, last string
	for i, cell := range cells {
		if i >= len(p.Roles) {
			break
		}
		v := strings.TrimSpace(cell)
		switch p.Roles[i] {
		case RolePhone:
			row.Phone = v
		case RoleName:
			row.Name = v
		case RoleFirstName:
			first = v
		case RoleLastName:
			last = v
		case RoleEmail:
			row.Email = v
		case RoleNotes:
			row.Notes = v
		case RoleStatus:
			row.Status = v
		case RoleDate:
			if t, ok := parseDate(v); ok {
				row.Date = &t
			}
		}
	}
	if row.Name == "" {
		row.Name = strings.TrimSpace(first + " " + last)
	}
	return row
}

// leadingNumber reports whether v is a bare number in the first column,
// where it is read as a phone even when too short to be one.
func leadingNumber(i int, v string) bool {
	return i == 0 && bareNumber.MatchString(v)
}

// extractPositional sniffs each cell: dates first, then the first
// phone-shaped value, then an email, then the earliest remaining text as the
// name. Without a phone-shaped value a leading bare number stands in as the
// phone, so it is reported as malformed rather than missing.
func extractPositional(line int, cells []string) importRow {
	row := importRow{Line: line}
	var fallback string
	for i, cell := range cells {
		v := strings.TrimSpace(cell)
		if v == "" {
			continue
		}
		switch {
		case row.Date == nil && isDate(v):
			t, _ := parseDate(v)
			row.Date = &t
		case row.Phone == "" && phone.LooksLikePhone(v):
			row.Phone = v
		case leadingNumber(i, v):
			fallback = v
		case row.Email == "" && strings.Contains(v, "@") && strings.Contains(v, "."):
			row.Email = v
		case row.Name == "" && i < 3 && !allDigits.MatchString(v):
			row.Name = v
		}
	}
	if row.Phone == "" {
		row.Phone = fallback
	}
	return row
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"01/02/2006 15:04",
	"1/2/2006 15:04",
	"Jan 2, 2006",
	"Jan 2 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02-Jan-2006",
}

func parseDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func isDate(v string) bool {
	_, ok := parseDate(v)
	return ok
}
