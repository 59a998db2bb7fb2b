// Package vocabulary maps entity types to the generic category label used in
// replacement tokens, e.g. PAN_NUMBER → "[redacted identifier]".
package vocabulary

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"pii-anonymizer/internal/pii"
)

var defaultLabels = map[pii.EntityType]string{
	// names and organizations
	"PERSON":            "name",
	"PER":               "name",
	"NAME":              "name",
	"PATIENT_NAME":      "name",
	"ORGANIZATION":      "organization",
	"ORG":               "organization",
	"COMPANY_NAME":      "organization",
	"ORGANIZATION_NAME": "organization",
	"INSTITUTION_NAME":  "institution",
	"INSTITUTION":       "institution",
	"SCHOOL_NAME":       "school",

	// location
	"ADDRESS":            "location",
	"STREET_ADDRESS":     "location",
	"CITY_STATE":         "location",
	"STATE_ABBREVIATION": "location",
	"APT_UNIT":           "location",
	"CITY":               "location",
	"STATE":              "location",
	"COUNTRY":            "location",
	"ZIP_CODE":           "zip",

	// contact and network
	"EMAIL_ADDRESS": "email",
	"PHONE_NUMBER":  "phone",
	"FAX_NUMBER":    "phone",
	"IP_ADDRESS":    "IP",
	"URL":           "URL",
	"USERNAME":      "username",

	// age, dates
	"AGE":           "age",
	"AGE_OVER_89":   "age",
	"DATE_OF_BIRTH": "DOB",
	"DATE":          "date",

	// financial
	"CREDIT_CARD":    "card",
	"IBAN_CODE":      "account",
	"ACCOUNT_NUMBER": "account",
	"ROUTING_NUMBER": "account",
	"BANK_ACCOUNT":   "account",
	"SWIFT_CODE":     "account",
	"UPI_ID":         "account",
	"CRYPTO_WALLET":  "wallet",

	// US government
	"US_SSN":             "SSN",
	"SSN":                "SSN",
	"US_PASSPORT":        "identifier",
	"US_DRIVER_LICENSE":  "identifier",
	"DRIVER_LICENSE":     "identifier",
	"PASSPORT":           "identifier",
	"PASSPORT_NUMBER":    "identifier",
	"TAX_ID":             "identifier",
	"NATIONAL_ID":        "identifier",
	"CERTIFICATE_NUMBER": "identifier",
	"LICENSE_NUMBER":     "identifier",

	// India
	"AADHAAR_NUMBER":       "identifier",
	"PAN_NUMBER":           "identifier",
	"INDIAN_PASSPORT":      "identifier",
	"VOTER_ID":             "identifier",
	"GSTIN":                "identifier",
	"VEHICLE_REGISTRATION": "vehicle",

	// medical
	"MEDICAL_RECORD_NUMBER":   "medical",
	"MEDICAL_RECORD":          "medical",
	"PATIENT_ID":              "medical",
	"HEALTH_PLAN_NUMBER":      "medical",
	"INSURANCE_POLICY_NUMBER": "medical",
	"INSURANCE_NUMBER":        "medical",
	"POLICY_NUMBER":           "medical",
	"MEMBER_ID":               "medical",
	"PRESCRIPTION_NUMBER":     "medical",
	"NPI_NUMBER":              "medical",
	"DEA_NUMBER":              "medical",
	"MEDICAL_LICENSE":         "medical",
	"GENDER":                  "gender",
	"BIOMETRIC_ID":            "biometric",
	"GENETIC_MARKER":          "biometric",

	// vehicles, devices
	"VIN":           "vehicle",
	"LICENSE_PLATE": "vehicle",
	"DEVICE_ID":     "device",
	"SERIAL_NUMBER": "device",
	"MAC_ADDRESS":   "device",
	"IMEI":          "device",

	// credentials
	"API_KEY":      "credential",
	"PASSWORD":     "credential",
	"ACCESS_TOKEN": "credential",
	"SECRET_KEY":   "credential",
	"AUTH_TOKEN":   "credential",
}

// National identifiers of other countries share one label.
var internationalIDs = []pii.EntityType{
	"CANADIAN_SIN", "MEXICAN_CURP", "BRAZILIAN_CPF", "ARGENTINIAN_DNI",
	"CHILEAN_RUN", "COLOMBIAN_CEDULA", "UK_NINO", "SPANISH_DNI", "SPANISH_NIE",
	"ITALIAN_CF", "FINNISH_PIN", "IRELAND_PPSN", "HONG_KONG_ID", "TAIWAN_ID",
	"SINGAPORE_NRIC", "PAKISTAN_CNIC", "THAI_ID", "UAE_CIVIL_NUMBER",
	"NEW_ZEALAND_NHI", "SOUTH_AFRICAN_ID", "DUTCH_BSN", "SOUTH_KOREAN_RRN",
	"POLISH_PESEL", "AUSTRALIAN_TFN", "NEW_ZEALAND_IRD",
}

// Vocabulary is an immutable type → label table.
type Vocabulary struct {
	labels map[pii.EntityType]string
}

// Default returns the built-in vocabulary.
func Default() *Vocabulary {
	labels := make(map[pii.EntityType]string, len(defaultLabels)+len(internationalIDs))
	for t, l := range defaultLabels {
		labels[t] = l
	}
	for _, t := range internationalIDs {
		labels[t] = "identifier"
	}
	return &Vocabulary{labels: labels}
}

type overrideFile struct {
	Labels map[string]string `yaml:"labels"`
}

// LoadFile returns the default vocabulary with the labels from a YAML file
// applied on top. The file has the shape:
//
//	labels:
//	  EMPLOYEE_ID: identifier
func LoadFile(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary file: %w", err)
	}
	var f overrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse vocabulary file %s: %w", path, err)
	}
	v := Default()
	for t, l := range f.Labels {
		l = strings.TrimSpace(l)
		if l == "" {
			return nil, fmt.Errorf("vocabulary file %s: empty label for %s", path, t)
		}
		v.labels[pii.EntityType(strings.ToUpper(t))] = l
	}
	return v, nil
}

// WithCategories returns a copy of v in which every type of categories that
// v does not map takes its category as label. Existing entries win.
func (v *Vocabulary) WithCategories(categories map[pii.EntityType]string) *Vocabulary {
	labels := make(map[pii.EntityType]string, len(v.labels)+len(categories))
	for t, l := range v.labels {
		labels[t] = l
	}
	for t, c := range categories {
		t = pii.EntityType(strings.ToUpper(string(t)))
		c = strings.TrimSpace(c)
		if _, ok := labels[t]; ok || c == "" {
			continue
		}
		labels[t] = c
	}
	return &Vocabulary{labels: labels}
}

// Label returns the category label for t. Unmapped types fall back to their
// own lower-cased name.
func (v *Vocabulary) Label(t pii.EntityType) string {
	if l, ok := v.labels[pii.EntityType(strings.ToUpper(string(t)))]; ok {
		return l
	}
	return strings.ToLower(string(t))
}

// Token returns the replacement token for t.
func (v *Vocabulary) Token(t pii.EntityType) string {
	return "[redacted " + v.Label(t) + "]"
}

// Has reports whether t has an explicit entry.
func (v *Vocabulary) Has(t pii.EntityType) bool {
	_, ok := v.labels[pii.EntityType(strings.ToUpper(string(t)))]
	return ok
}

// Types returns the mapped entity types in sorted order.
func (v *Vocabulary) Types() []pii.EntityType {
	out := make([]pii.EntityType, 0, len(v.labels))
	for t := range v.labels {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
