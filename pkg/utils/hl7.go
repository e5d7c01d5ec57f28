package utils

import "strings"

// NormalizeGender maps the gender spellings seen on the exchange to the
// lowercase FHIR administrative-gender codes used by the patient store.
func NormalizeGender(gender string) string {
	switch strings.ToLower(strings.TrimSpace(gender)) {
	case "m", "male":
		return "male"
	case "f", "female":
		return "female"
	case "un", "undifferentiated", "o", "other":
		return "other"
	default:
		return strings.ToLower(strings.TrimSpace(gender))
	}
}

// NormalizeBirthDate converts the birth date spellings seen on the exchange
// (HL7 YYYYMMDD, MM-DD-YYYY, and slash variants) to FHIR YYYY-MM-DD. Inputs
// that match none of the known shapes are returned unchanged.
func NormalizeBirthDate(birth string) string {
	birth = strings.TrimSpace(strings.ReplaceAll(birth, "/", "-"))
	if strings.Contains(birth, "-") {
		parts := strings.Split(birth, "-")
		if len(parts) == 3 {
			if len(parts[0]) == 4 {
				return parts[0] + "-" + pad2(parts[1]) + "-" + pad2(parts[2])
			}
			if len(parts[2]) == 4 {
				return parts[2] + "-" + pad2(parts[0]) + "-" + pad2(parts[1])
			}
		}
		return birth
	}
	if len(birth) >= 8 && isDigits(birth[:8]) {
		return birth[:4] + "-" + birth[4:6] + "-" + birth[6:8]
	}
	return birth
}

func pad2(s string) string {
	if len(s) == 1 {
		return "0" + s
	}
	return s
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
