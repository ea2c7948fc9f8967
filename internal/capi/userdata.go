package capi

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/ComUnity/attribution-pixel/internal/util"
)

// UserData carries the customer information parameters of one conversion.
// Personal fields are hashed at submission; network fields are sent as is.
type UserData struct {
	Email       string
	Phone       string
	FirstName   string
	LastName    string
	City        string
	State       string
	Zip         string
	Country     string
	Gender      string
	DateOfBirth string

	ExternalID      string
	ClientIP        string
	ClientUserAgent string
	FBP             string
	FBC             string
}

// Hash is the hex SHA-256 of v. The same digest is used for fingerprints.
func Hash(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

type hashedField struct {
	key       string
	value     func(UserData) string
	normalize func(string) string
}

var hashedFields = []hashedField{
	{"em", func(u UserData) string { return u.Email }, util.NormalizeEmail},
	{"ph", func(u UserData) string { return u.Phone }, util.NormalizePhone},
	{"fn", func(u UserData) string { return u.FirstName }, util.NormalizeName},
	{"ln", func(u UserData) string { return u.LastName }, util.NormalizeName},
	{"ct", func(u UserData) string { return u.City }, util.NormalizeCompact},
	{"st", func(u UserData) string { return u.State }, util.NormalizeCompact},
	{"zp", func(u UserData) string { return u.Zip }, util.NormalizeCompact},
	{"country", func(u UserData) string { return u.Country }, util.NormalizeCompact},
	{"ge", func(u UserData) string { return u.Gender }, util.NormalizeGender},
	{"db", func(u UserData) string { return u.DateOfBirth }, util.NormalizeDigits},
}

// Payload renders the user_data object. Fields that normalize to an empty
// string are omitted.
func (u UserData) Payload() map[string]any {
	out := make(map[string]any)
	for _, f := range hashedFields {
		if v := f.normalize(f.value(u)); v != "" {
			out[f.key] = Hash(v)
		}
	}
	raw := map[string]string{
		"external_id":       strings.TrimSpace(u.ExternalID),
		"client_ip_address": u.ClientIP,
		"client_user_agent": u.ClientUserAgent,
		"fbp":               u.FBP,
		"fbc":               u.FBC,
	}
	for k, v := range raw {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// UserDataFromMap reads the short platform keys (em, ph, fn, ...) produced by
// the pixel's identify call.
func UserDataFromMap(m map[string]string) UserData {
	return UserData{
		Email:       m["em"],
		Phone:       m["ph"],
		FirstName:   m["fn"],
		LastName:    m["ln"],
		City:        m["ct"],
		State:       m["st"],
		Zip:         m["zp"],
		Country:     m["country"],
		Gender:      m["ge"],
		DateOfBirth: m["db"],
		ExternalID:  m["external_id"],
	}
}
