package xcpd

// PatientMetadata is the demographic search key used for discovery, and the
// shape a matched patient is parsed back into. Records parsed from a remote
// response are treated as immutable.
type PatientMetadata struct {
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	Gender            string `json:"administrative_gender_code"`
	BirthTime         string `json:"birth_time"`
	PhoneNumber       string `json:"phone_number"`
	StreetAddressLine string `json:"street_address_line"`
	City              string `json:"city"`
	State             string `json:"state"`
	PostalCode        string `json:"postal_code"`
	Country           string `json:"country"`
	Email             string `json:"email"`
}

// HasAddress reports whether any address component is present.
func (p PatientMetadata) HasAddress() bool {
	return p.StreetAddressLine != "" || p.City != "" || p.State != "" ||
		p.PostalCode != "" || p.Country != ""
}

// PatientID is a remote patient identifier as (assigning authority, value).
type PatientID struct {
	Root      string
	Extension string
}

// OutcomeKind classifies a discovery result. The sentinel kinds drive the
// conflict checker: anything but Found drops the pipeline.
type OutcomeKind int

const (
	Found OutcomeKind = iota
	NotFound
	Multiple
	TimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case Found:
		return "found"
	case NotFound:
		return "not-found"
	case Multiple:
		return "multiple"
	case TimedOut:
		return "timeout"
	}
	return "unknown"
}

// Outcome is the result of one ITI-55 exchange with one responder.
type Outcome struct {
	Kind    OutcomeKind
	Patient PatientMetadata
	IDs     []PatientID
}

// FormatPhone renders a phone number as an HL7 telecom value. Ten-character
// inputs are hyphenated 3-3-4; anything else is carried verbatim.
func FormatPhone(phone string) string {
	if len(phone) == 10 {
		return "tel:+1-" + phone[:3] + "-" + phone[3:6] + "-" + phone[6:]
	}
	return "tel:+1-" + phone
}
