package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pfexchange/internal/family/models"
)

// ResultCodeSuccess is the result_code of an answered lookup.
const ResultCodeSuccess = "1"

const dateLayout = "02.01.2006"

// Request is the lookup body the registry expects.
type Request struct {
	ID   string `json:"ID"`
	PNFL string `json:"pnfl"`
	TIN  string `json:"tin"`
}

// Response is the lookup answer.
type Response struct {
	ResultMessage string `json:"result_message"`
	ResultCode    Text   `json:"result_code"`
	ID            string `json:"id"`
	Items         []Item `json:"items"`
}

// Item is one child entry as the registry names it.
type Item struct {
	MotherPNFL      string `json:"m_pnfl"`
	FatherSurname   string `json:"f_family"`
	GenderCode      Text   `json:"gender_code"`
	CertSeries      string `json:"cert_series"`
	BirthDate       Date   `json:"birth_date"`
	FatherPNFL      string `json:"f_pnfl"`
	DocDate         Date   `json:"doc_date"`
	MotherFirstName string `json:"m_first_name"`
	CertBirthDate   Date   `json:"cert_birth_date"`
	Surname         string `json:"surname"`
	MotherPatronym  string `json:"m_patronym"`
	PNFL            string `json:"pnfl"`
	FatherFirstName string `json:"f_first_name"`
	CertNumber      string `json:"cert_number"`
	FatherPatronym  string `json:"f_patronym"`
	Patronym        string `json:"patronym"`
	MotherSurname   string `json:"m_family"`
	FatherBirthDate Date   `json:"f_birth_day"`
	Name            string `json:"name"`
	LiveStatus      Text   `json:"live_status"`
	Branch          Text   `json:"branch"`
	MotherBirthDate Date   `json:"m_birth_day"`
	DocNum          string `json:"doc_num"`
}

// Text accepts a JSON string or number. The registry is not consistent about
// quoting codes.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("registry text: %w", err)
	}
	*t = Text(n.String())
	return nil
}

func (t Text) String() string {
	return string(t)
}

// Date is a registry date in dd.MM.yyyy form. Unknown parts are sent as XX
// and read as day 01, month 01, year 1900.
type Date struct {
	Time  time.Time
	Valid bool
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*d = Date{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("registry date: %w", err)
	}
	t, ok, err := ParseDate(raw)
	if err != nil {
		return err
	}
	*d = Date{Time: t, Valid: ok}
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	if !d.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(d.Time.Format(dateLayout))
}

// Ptr returns the date or nil when it was absent.
func (d Date) Ptr() *time.Time {
	if !d.Valid {
		return nil
	}
	t := d.Time
	return &t
}

// ParseDate parses a registry date. An empty value is not an error and
// reports ok=false.
func ParseDate(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, nil
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return time.Time{}, false, fmt.Errorf("registry date %q: want dd.MM.yyyy", raw)
	}
	parts[0] = placeholder(parts[0], "01")
	parts[1] = placeholder(parts[1], "01")
	parts[2] = placeholder(parts[2], "1900")

	t, err := time.ParseInLocation(dateLayout, strings.Join(parts, "."), time.UTC)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("registry date %q: %w", raw, err)
	}
	return t, true, nil
}

func placeholder(part, fallback string) string {
	if part != "" && strings.Trim(part, "xX") == "" {
		return fallback
	}
	return part
}

// FamilyLookupResult is a decoded answer plus the raw body kept for auditing.
type FamilyLookupResult struct {
	Response
	Raw      string
	Duration time.Duration
}

func (r *FamilyLookupResult) Succeeded() bool {
	return r.ResultCode.String() == ResultCodeSuccess
}

// Children maps registry items onto the child model.
func (r *FamilyLookupResult) Children(recordID int64) []models.Child {
	children := make([]models.Child, 0, len(r.Items))
	for _, it := range r.Items {
		children = append(children, it.toChild(recordID))
	}
	return children
}

func (it Item) toChild(recordID int64) models.Child {
	return models.Child{
		RecordID:           recordID,
		NationalID:         it.PNFL,
		Surname:            it.Surname,
		Name:               it.Name,
		Patronym:           it.Patronym,
		BirthDate:          it.BirthDate.Ptr(),
		Gender:             parseIntOr(it.GenderCode.String(), 0),
		RegistrationNumber: it.DocNum,
		RegistrationDate:   it.DocDate.Ptr(),
		RegistryBranchID:   parseBranch(it.Branch.String()),
		CertificateSeries:  it.CertSeries,
		CertificateNumber:  it.CertNumber,
		CertificateDate:    it.CertBirthDate.Ptr(),
		FatherNationalID:   it.FatherPNFL,
		FatherSurname:      it.FatherSurname,
		FatherName:         it.FatherFirstName,
		FatherPatronym:     it.FatherPatronym,
		FatherBirthDate:    it.FatherBirthDate.Ptr(),
		MotherNationalID:   it.MotherPNFL,
		MotherSurname:      it.MotherSurname,
		MotherName:         it.MotherFirstName,
		MotherPatronym:     it.MotherPatronym,
		MotherBirthDate:    it.MotherBirthDate.Ptr(),
		IsAlive:            it.LiveStatus.String(),
	}
}

func parseBranch(raw string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseIntOr(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}
