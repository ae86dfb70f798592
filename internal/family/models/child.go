package models

import "time"

// Child is a birth found in the family registry for an applicant.
// Children belong to exactly one record and are replaced wholesale whenever
// the record is processed again.
type Child struct {
	RecordID   int64
	NationalID string
	Surname    string
	Name       string
	Patronym   string
	BirthDate  *time.Time
	Gender     int

	RegistrationNumber string
	RegistrationDate   *time.Time
	RegistryBranchID   int64

	CertificateSeries string
	CertificateNumber string
	CertificateDate   *time.Time

	FatherNationalID string
	FatherSurname    string
	FatherName       string
	FatherPatronym   string
	FatherBirthDate  *time.Time

	MotherNationalID string
	MotherSurname    string
	MotherName       string
	MotherPatronym   string
	MotherBirthDate  *time.Time

	IsAlive string
}

// BornTo reports whether the child's registered mother is the given person.
func (c Child) BornTo(nationalID string) bool {
	return c.MotherNationalID != "" && c.MotherNationalID == nationalID
}
