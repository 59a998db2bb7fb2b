package recognizer

import (
	"strings"

	"pii-anonymizer/internal/pii"
)

// Aliases used by common NER models (CoNLL, OntoNotes, spaCy, Presidio,
// the AI4Privacy label set) mapped onto the canonical taxonomy. Labels that
// are not listed pass through upper-cased.
var labelAliases = map[string]pii.EntityType{
	"PER":          pii.Person,
	"PERS":         pii.Person,
	"NAME":         pii.Person,
	"FIRSTNAME":    pii.Person,
	"LASTNAME":     pii.Person,
	"MIDDLENAME":   pii.Person,
	"FULLNAME":     pii.Person,
	"PATIENT_NAME": pii.Person,

	"ORG":         pii.Organization,
	"COMPANY":     pii.Organization,
	"COMPANYNAME": pii.Organization,

	"EMAIL":        "EMAIL_ADDRESS",
	"PHONE":        pii.PhoneNumber,
	"PHONENUMBER":  pii.PhoneNumber,
	"TELEPHONENUM": pii.PhoneNumber,
	"IP":           pii.IPAddress,
	"IPV4":         pii.IPAddress,
	"IPV6":         pii.IPAddress,
	"USER":         "USERNAME",
	"PASS":         "PASSWORD",

	"SSN":              "US_SSN",
	"SOCIALNUM":        "US_SSN",
	"CREDITCARD":       "CREDIT_CARD",
	"CREDITCARDNUMBER": "CREDIT_CARD",
	"IBAN":             "IBAN_CODE",
	"ACCOUNTNUM":       "ACCOUNT_NUMBER",
	"DRIVERLICENSENUM": "US_DRIVER_LICENSE",
	"IDCARDNUM":        "NATIONAL_ID",
	"TAXNUM":           "TAX_ID",

	"DOB":         pii.DateOfBirth,
	"BIRTHDATE":   pii.DateOfBirth,
	"DATEOFBIRTH": pii.DateOfBirth,

	"STREET":        pii.StreetAddress,
	"STREETADDRESS": pii.StreetAddress,
	"BUILDINGNUM":   pii.StreetAddress,
	"ZIPCODE":       pii.ZipCode,
	"ZIP":           pii.ZipCode,
	"POSTCODE":      pii.ZipCode,

	"MISC": "",
	"O":    "",
}

// NormalizeLabel maps a recognizer label such as "B-PER" or "email" to a
// canonical entity type. It returns "" for labels that carry no entity.
func NormalizeLabel(label string) pii.EntityType {
	l := strings.ToUpper(strings.TrimSpace(label))
	if len(l) > 2 && l[1] == '-' && strings.ContainsRune("BIELSU", rune(l[0])) {
		l = l[2:]
	}
	l = strings.ReplaceAll(l, " ", "_")
	if l == "" {
		return ""
	}
	if t, ok := labelAliases[l]; ok {
		return t
	}
	return pii.EntityType(l)
}
