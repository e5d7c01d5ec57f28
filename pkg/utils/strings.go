package utils

import "strings"

// StripQuotes removes one layer of surrounding single or double quotes from a
// slot value, e.g. "'st3498-4'" -> "st3498-4". Values without surrounding
// quotes are returned unchanged.
func StripQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// TrimOIDPrefix removes a leading "urn:oid:" from an identifier if present.
func TrimOIDPrefix(s string) string {
	return strings.TrimPrefix(s, "urn:oid:")
}

// PadZip left-pads a ZIP code with zeroes to five digits. Neighbour tables
// store ZIPs as integers, so leading zeroes are lost on the way in and must
// be restored on the way out.
func PadZip(zip string) string {
	for len(zip) < 5 {
		zip = "0" + zip
	}
	return zip
}

// NormalizeZip drops a ZIP+4 suffix and strips leading zeroes, matching the
// integer keying of the neighbour tables.
func NormalizeZip(zip string) string {
	if i := strings.IndexByte(zip, '-'); i >= 0 {
		zip = zip[:i]
	}
	return strings.TrimLeft(zip, "0")
}
