package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// SignPayload computes the lowercase-hex HMAC-SHA256 of payload under secret.
// This is the signature scheme carried in the X-Signature request header.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks whether sigHex matches the HMAC-SHA256 of payload
// under secret. Comparison is performed with hmac.Equal (constant-time) to
// prevent timing side-channel attacks. Malformed hex always returns false.
func VerifySignature(secret string, payload []byte, sigHex string) bool {
	expected, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	computed := mac.Sum(nil)

	return hmac.Equal(computed, expected)
}

// LarkSign computes the signature Lark's incoming-webhook endpoint expects
// when a bot secret is configured:
//
//	sign = base64( HMAC_SHA256( key = timestamp + "\n" + secret, msg = "" ) )
//
// timestamp is seconds since the Unix epoch in decimal ASCII. The key/message
// roles are inverted relative to the usual HMAC usage; this matches the Lark
// server byte-for-byte and must not be "fixed".
func LarkSign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(timestamp+"\n"+secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
