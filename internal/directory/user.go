package directory

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// userAttributes are requested for every lookup.
var userAttributes = []string{
	"distinguishedName",
	"displayName",
	"sAMAccountName",
	"userPrincipalName",
	"memberOf",
	"objectSid",
	"objectGUID",
}

// User is the directory view of an authenticated account.
type User struct {
	DistinguishedName string
	DisplayName       string
	SAMAccountName    string
	UserPrincipalName string
	Groups            []string // common names of memberOf groups
	ObjectSid         string
	ObjectGUID        string
}

// entryToUser converts an LDAP entry to a User.
func entryToUser(entry *ldap.Entry) (*User, error) {
	if entry == nil {
		return nil, fmt.Errorf("entry cannot be nil")
	}

	user := &User{
		DistinguishedName: entry.DN,
		DisplayName:       entry.GetAttributeValue("displayName"),
		SAMAccountName:    entry.GetAttributeValue("sAMAccountName"),
		UserPrincipalName: entry.GetAttributeValue("userPrincipalName"),
	}
	if dn := entry.GetAttributeValue("distinguishedName"); dn != "" {
		user.DistinguishedName = dn
	}

	for _, groupDN := range entry.GetAttributeValues("memberOf") {
		user.Groups = append(user.Groups, commonName(groupDN))
	}

	if raw := entry.GetRawAttributeValue("objectSid"); len(raw) > 0 {
		sid, err := decodeSID(raw)
		if err != nil {
			return nil, fmt.Errorf("objectSid of %s: %w", user.DistinguishedName, err)
		}
		user.ObjectSid = sid
	}

	if raw := entry.GetRawAttributeValue("objectGUID"); len(raw) > 0 {
		guid, err := decodeGUID(raw)
		if err != nil {
			return nil, fmt.Errorf("objectGUID of %s: %w", user.DistinguishedName, err)
		}
		user.ObjectGUID = guid
	}

	return user, nil
}

// commonName returns the first CN value of dn, or dn itself when it has none
// or does not parse.
func commonName(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 {
		return dn
	}
	for _, attr := range parsed.RDNs[0].Attributes {
		if strings.EqualFold(attr.Type, "CN") {
			return attr.Value
		}
	}
	return dn
}

// decodeSID converts a binary SID to S-1-5-21-... form.
func decodeSID(b []byte) (string, error) {
	// revision, sub-authority count, 48-bit authority, then 4 bytes per sub-authority
	if len(b) < 8 || len(b) != 8+4*int(b[1]) {
		return "", fmt.Errorf("invalid SID length %d", len(b))
	}
	return objectsid.Decode(b).String(), nil
}

// decodeGUID converts Active Directory's mixed-endian GUID bytes to the
// canonical hyphenated form. The first three groups are little-endian.
func decodeGUID(b []byte) (string, error) {
	if len(b) != 16 {
		return "", fmt.Errorf("invalid GUID length %d", len(b))
	}

	ordered := make([]byte, 16)
	copy(ordered, b)
	ordered[0], ordered[1], ordered[2], ordered[3] = b[3], b[2], b[1], b[0]
	ordered[4], ordered[5] = b[5], b[4]
	ordered[6], ordered[7] = b[7], b[6]

	id, err := uuid.FromBytes(ordered)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
