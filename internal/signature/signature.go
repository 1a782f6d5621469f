// Package signature produces the mtgsig token that every data-gateway call
// on the merchant portal carries as a query parameter. A token supplied by
// the coordinator is used verbatim; otherwise one is synthesised from a
// fresh millisecond timestamp and a fingerprint derived from the WEBDFPID
// cookie. The field values below are part of the portal's wire contract.
package signature

import (
	"encoding/json"
	"strings"
	"time"
)

// defaultFingerprint stands in when the cookie set carries no WEBDFPID.
const defaultFingerprint = "5y24v3837yu856y40w99918z268u6v77801vv1w288197958zzvzwy74"

// token mirrors the JSON shape the portal's gateway expects.
type token struct {
	A1  string `json:"a1"`
	A2  int64  `json:"a2"`
	A3  string `json:"a3"`
	A5  string `json:"a5"`
	A6  string `json:"a6"`
	A8  string `json:"a8"`
	A9  string `json:"a9"`
	A10 string `json:"a10"`
	X0  int    `json:"x0"`
	D1  string `json:"d1"`
}

// Generate returns the signature to attach to a portal request. fromAPI wins
// when non-empty; a locally synthesised token always carries a fresh
// timestamp so it cannot be stale.
func Generate(cookies map[string]string, fromAPI string) string {
	if fromAPI != "" {
		return fromAPI
	}
	t := token{
		A1:  "1.2",
		A2:  time.Now().UnixMilli(),
		A3:  fingerprint(cookies),
		A5:  "jBpEMWibZqnOfn+vAsi8yo/kZpK57yUmniEBsbeugiBk2/5nSVi4jUHwsaXt01Ll43X26NE4uABqljWc7M9e8mkBxcu=",
		A6:  "hs1.6kqTyxwalpmvA3xfWt6C4GOVXV8jTW1AytrgLRPiQXPPO3n3UQFIKWTiDGaeXmDJtn4MQEi7f+BMdUtXeeSaMXW9hYSgOd2UuD/+Lac4sqD5ssj0nZesRyvVbOWEeBmBx",
		A8:  "e64733017f50d5892bacd63100c4099c",
		A9:  "4.1.1,7,205",
		A10: "31",
		X0:  4,
		D1:  "c9332725bc86a957c5b3185975b58e79",
	}
	out, err := json.Marshal(t)
	if err != nil {
		// Marshalling a flat struct cannot fail; keep the signature non-empty
		// regardless so requests stay well-formed.
		return "{}"
	}
	return string(out)
}

// fingerprint extracts the device prefix from the WEBDFPID cookie.
func fingerprint(cookies map[string]string) string {
	webdfpid := cookies["WEBDFPID"]
	if webdfpid == "" || !strings.Contains(webdfpid, "-") {
		return defaultFingerprint
	}
	return strings.SplitN(webdfpid, "-", 2)[0]
}
